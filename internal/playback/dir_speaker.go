package playback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirSpeaker "plays" clips by writing each one to a numbered file in Dir.
// Hosts without an audio device use it to keep what the assistant said.
type DirSpeaker struct {
	Dir string

	mu sync.Mutex
	n  int
}

func (s *DirSpeaker) Play(ctx context.Context, audio []byte, format string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if format == "" {
		format = "bin"
	}
	s.mu.Lock()
	s.n++
	name := filepath.Join(s.Dir, fmt.Sprintf("response-%04d.%s", s.n, format))
	s.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("playback: create %s: %w", s.Dir, err)
	}
	if err := os.WriteFile(name, audio, 0o644); err != nil {
		return fmt.Errorf("playback: write clip: %w", err)
	}
	return nil
}
