package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-martinez/occams/internal/api/storage"
)

func TestExportCursor_RoundTrip(t *testing.T) {
	in := &storage.ExportCursor{
		CreatedAt: time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC),
		ExportID:  "0b6e7d9a-4a63-4f1f-9a9e-2f0b7f7d1c11",
	}

	out, err := DecodeExportCursor(EncodeExportCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ExportID, out.ExportID)
}

func TestDecodeExportCursor_Invalid(t *testing.T) {
	enc := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "!!!"},
		{"no separator", enc("12345")},
		{"empty id", enc("12345|")},
		{"bad timestamp", enc("yesterday|abc")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeExportCursor(tt.cursor)
			assert.Error(t, err)
		})
	}

	c, err := DecodeExportCursor("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestParseVersions(t *testing.T) {
	ids, err := parseVersions("2, 3")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids)

	ids, err = parseVersions("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = parseVersions("2,x")
	assert.Error(t, err)
}
