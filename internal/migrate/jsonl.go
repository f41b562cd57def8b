package migrate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/todosync/internal/schema"
)

// DecodeJSONL reads one todo per line. Blank lines are skipped.
func DecodeJSONL(r io.Reader) ([]schema.Todo, error) {
	var todos []schema.Todo
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var t schema.Todo
		if err := decoder.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		t.Normalize()
		todos = append(todos, t)
	}

	return todos, nil
}

// ReadJSONL reads a JSONL export file.
func ReadJSONL(path string) ([]schema.Todo, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return DecodeJSONL(file)
}

// EncodeJSONL writes one todo per line.
func EncodeJSONL(w io.Writer, todos []schema.Todo) error {
	bw := bufio.NewWriter(w)
	encoder := json.NewEncoder(bw)
	for _, t := range todos {
		if err := encoder.Encode(t); err != nil {
			return fmt.Errorf("failed to encode todo %s: %w", t.ID, err)
		}
	}
	return bw.Flush()
}

// WriteJSONL writes todos to path atomically via a temp file.
func WriteJSONL(path string, todos []schema.Todo) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := EncodeJSONL(file, todos); err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// BackupName returns the file name used for a backup of the named replica
// taken at the given time.
// Format: {replica}.backup.{20060102-150405}.jsonl
func BackupName(replica string, at time.Time) string {
	return fmt.Sprintf("%s.backup.%s.jsonl", replica, at.UTC().Format("20060102-150405"))
}
