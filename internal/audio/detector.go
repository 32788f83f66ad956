package audio

import (
	"fmt"
	"time"
)

// Event is a voice-activity transition reported for a chunk.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

// String returns a human-readable event name.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// DetectorConfig configures the energy-based activity detector.
type DetectorConfig struct {
	// Threshold is the RMS level at or above which a chunk counts as speech.
	// Range: 0.0 to 1.0. Default: 0.02
	Threshold float64
	// StartChunks is how many consecutive loud chunks open a turn (N).
	// Default: 2
	StartChunks int
	// EndChunks is how many consecutive quiet chunks close a turn (M).
	// Must exceed StartChunks so trailing syllables are not clipped.
	// Default: 3
	EndChunks int
	// MaxUtterance force-closes a turn that runs longer than this.
	// Zero disables the cap. Default: 60s
	MaxUtterance time.Duration
}

// DefaultDetectorConfig returns the detector defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Threshold:    0.02,
		StartChunks:  2,
		EndChunks:    3,
		MaxUtterance: 60 * time.Second,
	}
}

// Validate checks the hysteresis invariants.
func (c DetectorConfig) Validate() error {
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("vad threshold must be in (0, 1), got %v", c.Threshold)
	}
	if c.StartChunks < 1 {
		return fmt.Errorf("vad start chunks must be >= 1, got %d", c.StartChunks)
	}
	if c.EndChunks <= c.StartChunks {
		return fmt.Errorf("vad end chunks (%d) must exceed start chunks (%d)", c.EndChunks, c.StartChunks)
	}
	return nil
}

// Result is the detector verdict for one chunk.
type Result struct {
	Level float64
	Event Event
	// Preroll holds the chunks that opened the turn, oldest first, including
	// the current one. Set only with EventSpeechStart.
	Preroll []Chunk
	// Duration and Audio describe the finished utterance. Set only with
	// EventSpeechEnd.
	Duration time.Duration
	Audio    []byte
}

// Detector classifies chunks with hysteresis: N loud chunks in a row start
// speech, M quiet chunks in a row end it. Not safe for concurrent use; each
// owner keeps its own.
type Detector struct {
	cfg      DetectorConfig
	format   Format
	maxBytes int

	inSpeech  bool
	above     int
	below     int
	pending   []Chunk
	utterance []byte
	elapsed   time.Duration
}

// NewDetector validates cfg and returns a detector for audio in format f.
func NewDetector(cfg DetectorConfig, f Format) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg, format: f}
	if cfg.MaxUtterance > 0 {
		d.maxBytes = f.BytesFor(cfg.MaxUtterance)
	}
	return d, nil
}

// InSpeech reports whether a turn is currently open.
func (d *Detector) InSpeech() bool { return d.inSpeech }

// Process classifies c and returns the resulting event, if any.
func (d *Detector) Process(c Chunk) Result {
	level := c.Level
	if level == 0 {
		level = RMS(c.Data)
	}
	dur := c.Duration
	if dur == 0 {
		dur = d.format.Duration(len(c.Data))
	}
	loud := level >= d.cfg.Threshold
	res := Result{Level: level}

	if !d.inSpeech {
		if !loud {
			d.above = 0
			d.pending = d.pending[:0]
			return res
		}
		d.above++
		d.pending = append(d.pending, c)
		if d.above < d.cfg.StartChunks {
			return res
		}

		d.inSpeech = true
		d.above = 0
		d.below = 0
		d.utterance = d.utterance[:0]
		d.elapsed = 0
		for _, p := range d.pending {
			d.utterance = append(d.utterance, p.Data...)
			pd := p.Duration
			if pd == 0 {
				pd = d.format.Duration(len(p.Data))
			}
			d.elapsed += pd
		}
		res.Event = EventSpeechStart
		res.Preroll = append([]Chunk(nil), d.pending...)
		d.pending = d.pending[:0]
		return res
	}

	d.utterance = append(d.utterance, c.Data...)
	d.elapsed += dur
	if loud {
		d.below = 0
	} else {
		d.below++
	}

	overLong := d.maxBytes > 0 && len(d.utterance) >= d.maxBytes
	if d.below >= d.cfg.EndChunks || overLong {
		res.Event = EventSpeechEnd
		res.Duration = d.elapsed
		res.Audio = append([]byte(nil), d.utterance...)
		d.Reset()
	}
	return res
}

// Reset drops any open turn. Called when the AI starts talking so that a
// half-heard user turn does not leak into the next one.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.above = 0
	d.below = 0
	d.pending = d.pending[:0]
	d.utterance = d.utterance[:0]
	d.elapsed = 0
}
