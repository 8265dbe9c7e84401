package domain

import (
	"errors"
)

var (
	ErrExportNotFound    = errors.New("export not found")
	ErrExportNotTerminal = errors.New("export is still pending or running")
	ErrExportNotComplete = errors.New("export is not complete")
	ErrVersionNotLive    = errors.New("schema version is not published")
)
