package source

import (
	"context"

	"github.com/reportmail/internal/models"
	"github.com/reportmail/internal/store"
)

// EntrySource reads the content entries stored in the reportmail database.
type EntrySource struct {
	entries *store.EntryStore
}

// NewEntrySource serves records from the entries table.
func NewEntrySource(entries *store.EntryStore) *EntrySource {
	return &EntrySource{entries: entries}
}

func (s *EntrySource) Fetch(ctx context.Context, spec models.ReportSpec, window models.Window) (models.RecordSet, error) {
	rows, err := s.entries.Between(ctx, spec.ID, window.Start, window.End)
	if err != nil {
		return models.RecordSet{}, Retryable(err)
	}

	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.Record{
			At:      row.At.UTC(),
			Section: row.Section,
			Text:    row.Text,
		})
	}
	return models.RecordSet{Window: window, Records: records}, nil
}
