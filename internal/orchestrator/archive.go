package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/reportmail/internal/models"
)

// Archiver writes report attachments to a directory, one file per attachment.
// A later run for the same report and day overwrites the earlier file.
type Archiver struct {
	dir string
}

// NewArchiver returns an Archiver writing into dir, created on first use.
func NewArchiver(dir string) *Archiver {
	return &Archiver{dir: dir}
}

// Store writes every attachment of the artifact and returns their paths.
// Artifacts without attachments are skipped.
func (a *Archiver) Store(art models.Artifact) ([]string, error) {
	if len(art.Attachments) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	paths := make([]string, 0, len(art.Attachments))
	for _, att := range art.Attachments {
		path := filepath.Join(a.dir, filepath.Base(att.Filename))
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return paths, fmt.Errorf("write archive %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
