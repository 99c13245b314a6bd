package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the processing state of a batch.
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusPartial    BatchStatus = "PARTIAL"
	BatchStatusFailed     BatchStatus = "FAILED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusProcessing, BatchStatusCompleted, BatchStatusPartial, BatchStatusFailed:
		return true
	}
	return false
}

// BatchStatusFor derives the terminal status from the counts of a finished batch.
func BatchStatusFor(sent, failed, notAttempted int) BatchStatus {
	switch {
	case failed == 0 && notAttempted == 0:
		return BatchStatusCompleted
	case sent == 0:
		return BatchStatusFailed
	default:
		return BatchStatusPartial
	}
}

// Batch is the persisted summary of one batch send.
type Batch struct {
	ID                string
	TotalCount        int
	SentCount         int
	FailedCount       int
	NotAttemptedCount int
	Status            BatchStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ValidateBatchID reports whether id can key a batch. Batch ids are stored as UUIDs.
func ValidateBatchID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: batchId %q is not a uuid", ErrValidation, id)
	}
	return nil
}
