// Package export runs export jobs: it turns the requested schema versions
// into report and codebook CSVs packed into one zip archive, and reports
// progress while doing so.
package export

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of an export.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// SchemaRef is one requested schema version.
type SchemaRef struct {
	ID          int64      `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Title       string     `db:"title" json:"title"`
	PublishDate *time.Time `db:"publish_date" json:"publish_date,omitempty"`
}

// Job is a persisted export request.
type Job struct {
	ID                string      `db:"id"`
	Name              string      `db:"name"`
	OwnerUser         string      `db:"owner_user"`
	Status            Status      `db:"status"`
	ExpandCollections bool        `db:"expand_collections"`
	UseChoiceLabels   bool        `db:"use_choice_labels"`
	FileSize          *int64      `db:"file_size"`
	CreateDate        time.Time   `db:"create_date"`
	ModifyDate        time.Time   `db:"modify_date"`
	Schemata          []SchemaRef `db:"-"`
}

// ArchiveName is the file name of the archive of export id.
func ArchiveName(id string) string {
	return id + ".zip"
}

// Group is every requested version of one schema name.
type Group struct {
	Name string
	IDs  []int64
}

// Groups collects the requested versions by schema name, sorted by name
// with ascending ids.
func (j *Job) Groups() []Group {
	index := make(map[string]int)
	var groups []Group
	for _, ref := range j.Schemata {
		i, ok := index[ref.Name]
		if !ok {
			i = len(groups)
			index[ref.Name] = i
			groups = append(groups, Group{Name: ref.Name})
		}
		if !slices.Contains(groups[i].IDs, ref.ID) {
			groups[i].IDs = append(groups[i].IDs, ref.ID)
		}
	}

	slices.SortFunc(groups, func(a, b Group) int { return strings.Compare(a.Name, b.Name) })
	for i := range groups {
		slices.Sort(groups[i].IDs)
	}
	return groups
}
