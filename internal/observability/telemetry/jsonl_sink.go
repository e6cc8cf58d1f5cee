package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSONLSink writes one JSON-encoded event per line.
type JSONLSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewJSONLSink writes events to w. The caller owns w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: bufio.NewWriter(w)}
}

// OpenJSONLFile creates (or truncates) path and writes events to it. Close
// flushes and closes the file.
func OpenJSONLFile(path string) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl sink: %w", err)
	}
	return &JSONLSink{w: bufio.NewWriter(f), closer: f}, nil
}

// Export appends event as one line.
func (s *JSONLSink) Export(_ context.Context, event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal jsonl event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write jsonl event: %w", err)
	}
	return s.w.WriteByte('\n')
}

// ExportBatch appends events as consecutive lines and flushes them, so a
// reader tailing the file sees whole batches.
func (s *JSONLSink) ExportBatch(_ context.Context, events []Event) error {
	lines := make([][]byte, 0, len(events))
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal jsonl event: %w", err)
		}
		lines = append(lines, line)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		if _, err := s.w.Write(line); err != nil {
			return fmt.Errorf("write jsonl event: %w", err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("write jsonl event: %w", err)
		}
	}
	return s.w.Flush()
}

// Flush writes buffered events through.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes and releases the underlying file, if owned.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

// ReadJSONL decodes events written by JSONLSink. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var events []Event
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode jsonl line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return events, nil
}
