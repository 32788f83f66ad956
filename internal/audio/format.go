// Package audio owns microphone capture and voice-activity detection.
package audio

import (
	"math"
	"time"
)

// Format specifies PCM parameters. Audio is signed little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz mono s16le, what hosted STT providers expect.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// Duration returns the playing time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// BytesFor returns the byte count for d, rounded down to whole frames.
func (f Format) BytesFor(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	frame := f.Channels * (f.BitsPerSample / 8)
	if frame > 0 {
		n -= n % frame
	}
	return n
}

// Encoding is the wire name of the format.
func (f Format) Encoding() string {
	if f.BitsPerSample == 16 {
		return "pcm_s16le"
	}
	return "pcm"
}

// RMS computes the root-mean-square energy of 16-bit PCM, in [0, 1].
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// Chunk is one fixed time-slice of captured audio.
type Chunk struct {
	Seq        int64
	Data       []byte
	Level      float64
	CapturedAt time.Time
	Duration   time.Duration
}
