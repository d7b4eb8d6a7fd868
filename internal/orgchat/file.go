// ABOUTME: Per-organization JSON log files holding messages and read cursors
// ABOUTME: Each write replaces the file through a temp file and rename

package orgchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type orgFile struct {
	Messages []Message         `json:"messages"`
	Cursors  map[string]Cursor `json:"cursors"`
}

func orgPath(dir, orgID string) (string, error) {
	if orgID == "" || orgID == "." || orgID == ".." || strings.ContainsAny(orgID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrUnknownOrganization, orgID)
	}
	return filepath.Join(dir, orgID+".json"), nil
}

func readOrgFile(path string) (*orgFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &orgFile{Cursors: make(map[string]Cursor)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f orgFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if f.Cursors == nil {
		f.Cursors = make(map[string]Cursor)
	}
	return &f, nil
}

func writeOrgFile(path string, f *orgFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating organizations dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding organization log: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
