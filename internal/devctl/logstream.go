// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// LogStream is an append-only sequence of lines produced by a long-running
// process. Readers share one cursor; it only moves backwards on Reset.
type LogStream struct {
	mu      sync.Mutex
	lines   []string
	partial []byte
	cursor  int
	closed  bool
	done    chan struct{}

	path   string
	offset int64
}

func NewLogStream() *LogStream {
	return &LogStream{done: make(chan struct{})}
}

// OpenLogFile follows a log file written by some other process. New content
// is picked up whenever the reader runs out of buffered lines.
func OpenLogFile(path string) (*LogStream, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return followLogFile(path), nil
}

func followLogFile(path string) *LogStream {
	s := NewLogStream()
	s.path = path
	return s
}

func (s *LogStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(p)
	return len(p), nil
}

func (s *LogStream) appendLocked(p []byte) {
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i == -1 {
			return
		}
		s.lines = append(s.lines, strings.TrimRight(string(s.partial[:i]), "\r"))
		s.partial = s.partial[i+1:]
	}
}

// Close marks the producer as finished and flushes an unterminated last line.
func (s *LogStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.path != "" {
		s.refreshLocked()
	}
	if len(s.partial) > 0 {
		s.lines = append(s.lines, strings.TrimRight(string(s.partial), "\r"))
		s.partial = nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Next returns the line after the cursor and advances it.
func (s *LogStream) Next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.lines) && s.path != "" {
		s.refreshLocked()
	}
	if s.cursor >= len(s.lines) {
		return "", false
	}
	line := s.lines[s.cursor]
	s.cursor++
	return line, true
}

func (s *LogStream) refreshLocked() {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return
	}
	b, err := io.ReadAll(f)
	if err != nil || len(b) == 0 {
		return
	}
	s.offset += int64(len(b))
	s.appendLocked(b)
}

// Reset moves the cursor back to the first line.
func (s *LogStream) Reset() {
	s.mu.Lock()
	s.cursor = 0
	s.mu.Unlock()
}

// Lines returns a copy of every complete line seen so far.
func (s *LogStream) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *LogStream) Tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.lines) {
		n = len(s.lines)
	}
	return append([]string(nil), s.lines[len(s.lines)-n:]...)
}

func (s *LogStream) String() string {
	return strings.Join(s.Lines(), "\n")
}

func (s *LogStream) Done() <-chan struct{} { return s.done }

// Drained reports whether the producer has finished and every line was read.
func (s *LogStream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && s.cursor >= len(s.lines)
}
