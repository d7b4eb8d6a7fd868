// ABOUTME: Resume marker written before a voluntary restart and replayed on the next start
// ABOUTME: Stored at <workspace>/.coven/resume.json and removed once read

package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ResumeFileName is the marker file inside a workspace's state directory.
const ResumeFileName = "resume.json"

type resumeMarker struct {
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

func writeResumeMarker(dir, note string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(resumeMarker{Note: note, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ResumeFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// takeResumeMarker reads and removes the marker. A missing marker is (nil, nil).
func takeResumeMarker(dir string) (*resumeMarker, error) {
	path := filepath.Join(dir, ResumeFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("removing resume marker: %w", err)
	}

	var m resumeMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing resume marker: %w", err)
	}
	if m.Note == "" {
		return nil, nil
	}
	return &m, nil
}
