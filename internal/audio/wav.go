package audio

import (
	"bytes"
	"encoding/binary"
)

// EncodeWAV wraps raw little-endian PCM in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []byte, f Format) []byte {
	blockAlign := f.Channels * f.BitsPerSample / 8
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	buf.WriteString("RIFF")
	w(uint32(36 + len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	w(uint32(16)) // PCM fmt chunk size
	w(uint16(1))  // PCM
	w(uint16(f.Channels))
	w(uint32(f.SampleRate))
	w(uint32(f.SampleRate * blockAlign))
	w(uint16(blockAlign))
	w(uint16(f.BitsPerSample))
	buf.WriteString("data")
	w(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
