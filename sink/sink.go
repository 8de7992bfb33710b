// Package sink persists screenshots received by an agent session.
//
// The emulator sends an unbounded sequence of screenshots on one
// connection, so every sink states what happens to earlier images:
// FileSink keeps one file per frame, overwrites a single file, or appends
// to it, and RedisSink keeps each frame under its own key until it expires.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Sink stores the reassembled image of one frame.
type Sink interface {
	Store(ctx context.Context, seq uint64, image []byte) error
}

// Mode selects how FileSink treats earlier frames.
type Mode int

const (
	// ModePerFrame writes every frame to its own file.
	ModePerFrame Mode = iota
	// ModeOverwrite truncates a single file for every frame, keeping only the latest.
	ModeOverwrite
	// ModeAppend appends every frame to a single file.
	ModeAppend
)

// ParseMode parses the textual form of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "per-frame":
		return ModePerFrame, nil
	case "overwrite":
		return ModeOverwrite, nil
	case "append":
		return ModeAppend, nil
	}
	return 0, errors.Errorf("sink: unknown mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModePerFrame:
		return "per-frame"
	case ModeOverwrite:
		return "overwrite"
	case ModeAppend:
		return "append"
	}
	return "unknown"
}

// DefaultPattern names per-frame files by sequence number.
const DefaultPattern = "screenshot-%06d.png"

// FileSink writes images to the local filesystem.
type FileSink struct {
	mode Mode
	// path is the target directory in ModePerFrame and the target file otherwise.
	path    string
	pattern string

	mu sync.Mutex
}

// NewFileSink creates a sink writing below path. The directory (or the
// parent directory of the single file) is created if missing.
func NewFileSink(path string, mode Mode) (*FileSink, error) {
	dir := path
	if mode != ModePerFrame {
		dir = filepath.Dir(path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "sink: create %s", dir)
	}
	return &FileSink{mode: mode, path: path, pattern: DefaultPattern}, nil
}

// SetPattern changes the file name pattern used in ModePerFrame. The
// pattern receives the sequence number.
func (s *FileSink) SetPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pattern = pattern
}

// PathFor returns the file an image with sequence seq is written to.
func (s *FileSink) PathFor(seq uint64) string {
	if s.mode != ModePerFrame {
		return s.path
	}
	return filepath.Join(s.path, fmt.Sprintf(s.pattern, seq))
}

func (s *FileSink) Store(_ context.Context, seq uint64, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if s.mode == ModeAppend {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}

	name := s.PathFor(seq)
	f, err := os.OpenFile(name, flag, 0o644)
	if err != nil {
		return errors.Wrapf(err, "sink: open %s", name)
	}

	if _, err := f.Write(image); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sink: write %s", name)
	}
	return errors.Wrapf(f.Close(), "sink: close %s", name)
}
