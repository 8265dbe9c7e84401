// Package progress tracks running exports and broadcasts their progress to
// interested listeners.
package progress

import (
	"encoding/json"
	"errors"
)

// Topic is the broadcast topic progress snapshots are published to.
const Topic = "export"

// Record statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrNotFound is returned when no record exists for an export.
var ErrNotFound = errors.New("progress record not found")

// Record is the live progress of one export. A published Record is an
// immutable snapshot.
type Record struct {
	ExportID  string `json:"export_id" db:"export_id"`
	OwnerUser string `json:"owner_user" db:"owner_user"`
	Count     int    `json:"count" db:"done_count"`
	Total     int    `json:"total" db:"total_count"`
	Status    string `json:"status" db:"status"`
	FileSize  string `json:"file_size,omitempty" db:"file_size"`
}

// Terminal reports whether the export has finished, successfully or not.
func (r Record) Terminal() bool {
	return r.Status == StatusComplete || r.Status == StatusFailed
}

// Decode parses a published snapshot.
func Decode(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, err
	}
	if rec.ExportID == "" {
		return Record{}, errors.New("progress event has no export_id")
	}
	return rec, nil
}
