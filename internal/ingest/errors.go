package ingest

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by Run and Start while another run is active.
var ErrAlreadyRunning = errors.New("ingestion already running")

// DuplicateKeyError reports two records with the same id inside one batch.
type DuplicateKeyError struct {
	ID      string
	Ordinal int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate record id %q at ordinal %d", e.ID, e.Ordinal)
}
