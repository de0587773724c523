package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/reportmail/internal/models"
)

// FileSource reads report content from a YAML (or JSON) file shaped like
//
//	entries:
//	  - report: team-daily
//	    section: conclusion
//	    text: Finished the migration
//	    at: "2024-03-04T17:00:00Z"
type FileSource struct {
	path string
}

// NewFileSource reads entries from the YAML or JSON file at path on every fetch.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type contentFile struct {
	Entries []contentEntry `yaml:"entries"`
}

type contentEntry struct {
	Report  string `yaml:"report"`
	Section string `yaml:"section"`
	Text    string `yaml:"text"`
	At      string `yaml:"at"`
}

func (s *FileSource) Fetch(ctx context.Context, spec models.ReportSpec, window models.Window) (models.RecordSet, error) {
	if err := ctx.Err(); err != nil {
		return models.RecordSet{}, Retryable(err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return models.RecordSet{}, Fatal(err)
		}
		return models.RecordSet{}, Retryable(err)
	}

	var content contentFile
	if err := yaml.Unmarshal(data, &content); err != nil {
		return models.RecordSet{}, Fatal(fmt.Errorf("parse %s: %w", s.path, err))
	}

	var records []models.Record
	for i, e := range content.Entries {
		if e.Report != spec.ID {
			continue
		}
		at, err := time.Parse(time.RFC3339, e.At)
		if err != nil {
			return models.RecordSet{}, Fatal(fmt.Errorf("entry %d in %s: invalid time %q: %w", i, s.path, e.At, err))
		}
		at = at.UTC()
		if !window.Contains(at) {
			continue
		}
		records = append(records, models.Record{At: at, Section: e.Section, Text: e.Text})
	}

	return models.RecordSet{Window: window, Records: records}, nil
}
