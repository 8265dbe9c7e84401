package export

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Groups(t *testing.T) {
	job := &Job{Schemata: []SchemaRef{
		{ID: 3, Name: "labs"},
		{ID: 1, Name: "demographics"},
		{ID: 2, Name: "labs"},
		{ID: 3, Name: "labs"},
	}}

	assert.Equal(t, []Group{
		{Name: "demographics", IDs: []int64{1}},
		{Name: "labs", IDs: []int64{2, 3}},
	}, job.Groups())

	assert.Empty(t, (&Job{}).Groups())
}

func TestRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found", ErrNotFound, true},
		{"no schemata", ErrNoSchemata, true},
		{"terminal", fmt.Errorf("export x: %w", ErrAlreadyTerminal), true},
		{"claimed elsewhere", ErrAlreadyClaimed, true},
		{"failed after claim", fmt.Errorf("%w: disk full", ErrJobFailed), false},
		{"failed after claim on a lost claim", fmt.Errorf("%w: %w", ErrJobFailed, ErrAlreadyClaimed), false},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rejected(tt.err))
		})
	}
}

func TestTempNames(t *testing.T) {
	tests := []struct {
		index        int
		report, book string
	}{
		{0, "000.csv", "000-codebook.csv"},
		{7, "007.csv", "007-codebook.csv"},
		{1234, "1234.csv", "1234-codebook.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.report, func(t *testing.T) {
			report, book := tempNames(tt.index)
			assert.Equal(t, tt.report, report)
			assert.Equal(t, tt.book, book)
			assert.Equal(t, report, filepath.Base(report), "never a path")
		})
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		valid    bool
	}{
		{StatusPending, false, true},
		{StatusRunning, false, true},
		{StatusComplete, true, true},
		{StatusFailed, true, true},
		{Status("archived"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.valid, tt.status.Valid())
		})
	}
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "labs.csv")
	require.NoError(t, os.WriteFile(src, []byte("oid\n1\n"), 0o644))

	path := filepath.Join(dir, "nested", "out.zip")
	a, err := CreateArchive(path)
	require.NoError(t, err)
	require.NoError(t, a.AddFile("labs.csv", src))
	assert.Equal(t, 1, a.Entries())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "not visible before Close")

	size, err := a.Close()
	require.NoError(t, err)
	assert.Positive(t, size)

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "labs.csv", zr.File[0].Name)
}

func TestArchive_Discard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.zip")

	a, err := CreateArchive(path)
	require.NoError(t, err)

	err = a.AddFile("missing.csv", filepath.Join(dir, "missing.csv"))
	var archiveErr *ArchiveError
	require.ErrorAs(t, err, &archiveErr)
	assert.Equal(t, "open", archiveErr.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, a.Discard())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
