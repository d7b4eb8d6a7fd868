// ABOUTME: Per-session schedule persistence as a JSON array under the session state directory
// ABOUTME: Writes go through a temp file and rename so readers never observe a partial list

package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the schedule list file inside a session state directory.
const FileName = "schedules.json"

// ReadFile loads the raw persisted schedules from dir without sanitizing them.
// A missing file yields an empty list.
func ReadFile(dir string) ([]Schedule, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schedules: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var list []Schedule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding schedules: %w", err)
	}
	return list, nil
}

// writeFile rewrites the whole schedule list for dir.
func writeFile(dir string, list []Schedule) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating schedule dir: %w", err)
	}

	if list == nil {
		list = []Schedule{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding schedules: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing schedules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing schedules: %w", err)
	}
	return nil
}

func removeFile(dir string) error {
	err := os.Remove(filepath.Join(dir, FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing schedules: %w", err)
	}
	return nil
}
