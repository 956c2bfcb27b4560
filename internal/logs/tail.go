package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const maxLineBytes = 1024 * 1024

// Dir is the directory holding run log files.
func Dir(stateDir string) string {
	return filepath.Join(stateDir, "logs")
}

// Path is the log file of one run.
func Path(stateDir, runID string) string {
	return filepath.Join(Dir(stateDir), runID+".log")
}

// Last returns up to limit trailing lines of path and the offset of the end
// of the file. A missing file yields no lines and offset 0.
func Last(path string, limit int) ([]string, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()

	var ring []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if limit <= 0 {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read run log: %w", err)
	}
	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("run log offset: %w", err)
	}
	return ring, offset, nil
}

// Since returns the complete lines written after offset and the offset just
// past them. A trailing partial line is left for the next call.
func Since(path string, offset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("stat run log: %w", err)
	}
	if offset < 0 || offset > info.Size() {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek run log: %w", err)
	}

	var lines []string
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return lines, offset, fmt.Errorf("read run log: %w", err)
		}
		offset += int64(len(line))
		lines = append(lines, line[:len(line)-1])
	}
	return lines, offset, nil
}

// Follow polls path from offset, handing every new line to emit until ctx is
// done or done reports true. done is checked after each poll so a run that
// finished while being followed still has its last lines printed.
func Follow(ctx context.Context, path string, offset int64, poll time.Duration, emit func(string), done func() bool) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		lines, next, err := Since(path, offset)
		if err != nil {
			return err
		}
		offset = next
		for _, line := range lines {
			emit(line)
		}
		if done != nil && done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
