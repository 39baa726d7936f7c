package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
)

// ScanFile invokes fn for each complete JSONL line in the file. A single
// trailing partial line (the possible remnant of a hard kill between fsync
// windows) is silently skipped; a malformed line anywhere else is an error.
func ScanFile(path string, fn func(line []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// unterminated tail: discard
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: read line %d: %w", path, lineNo+1, err)
		}
		lineNo++
		trimmed := line[:len(line)-1]
		if len(trimmed) == 0 {
			continue
		}
		if err := fn(trimmed); err != nil {
			return fmt.Errorf("%s: line %d: %w", path, lineNo, err)
		}
	}
}

// ReadAll decodes every complete record in a JSONL part file, skipping a
// trailing partial line.
func ReadAll[T any](path string) ([]T, error) {
	var out []T
	err := ScanFile(path, func(line []byte) error {
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
