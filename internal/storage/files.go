// Package storage holds the collaborators behind the chat core: file storage
// for completed transfers and the message stores.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// DiskFiles stores completed transfers under one root directory as
// <transfer id>_<sanitized filename>.
type DiskFiles struct {
	root string
}

// NewDiskFiles creates root if needed.
func NewDiskFiles(root string) (*DiskFiles, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskFiles{root: root}, nil
}

// Root returns the storage directory.
func (d *DiskFiles) Root() string {
	return d.root
}

// WriteFile stores data for a transfer and returns the final path. The file
// appears under its final name only once it is fully written.
func (d *DiskFiles) WriteFile(transferID, filename string, data []byte) (string, error) {
	if !validID(transferID) {
		return "", fmt.Errorf("invalid transfer id %q", transferID)
	}
	path := filepath.Join(d.root, transferID+"_"+SanitizeFilename(filename))

	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("replace upload: %w", err)
	}
	return path, nil
}

// Locate finds the stored file for fileID.
func (d *DiskFiles) Locate(fileID string) (string, bool) {
	if !validID(fileID) {
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(d.root, fileID+"_*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// FileSize returns the size of a regular file.
func (d *DiskFiles) FileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// SanitizeFilename reduces name to its base and keeps letters, digits and
// "._- ". An empty result becomes "file".
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.', r == '_', r == '-', r == ' ':
			b.WriteRune(r)
		}
	}
	clean := strings.Trim(b.String(), " ")
	if clean == "" || strings.Trim(clean, ".") == "" {
		return "file"
	}
	return clean
}

// SplitStoredName recovers the file id and original name from a stored path.
func SplitStoredName(path string) (fileID, filename string, ok bool) {
	base := filepath.Base(path)
	fileID, filename, ok = strings.Cut(base, "_")
	if !ok || fileID == "" || filename == "" {
		return "", "", false
	}
	return fileID, filename, true
}

// validID accepts ids that cannot escape the root or act as glob patterns.
func validID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, `/\*?[]_.`)
}
