package export

import "errors"

var (
	// ErrNotFound is returned when the export does not exist.
	ErrNotFound = errors.New("export not found")

	// ErrNoSchemata is returned for an export that requests nothing.
	ErrNoSchemata = errors.New("export has no schemata")

	// ErrAlreadyTerminal is returned when the export already completed or failed.
	ErrAlreadyTerminal = errors.New("export already complete or failed")

	// ErrAlreadyClaimed is returned when another runner holds the export.
	ErrAlreadyClaimed = errors.New("export already claimed or not pending")

	// ErrJobFailed wraps every error raised after an export was claimed. The
	// export has been marked failed by the time it is returned.
	ErrJobFailed = errors.New("export failed")
)

// ArchiveError reports a filesystem failure while packaging an archive.
type ArchiveError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return "archive " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// Rejected reports whether err stopped a run before the export was claimed,
// leaving no side effects behind. A failure after the claim is never a
// rejection, whatever its cause.
func Rejected(err error) bool {
	if errors.Is(err, ErrJobFailed) {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNoSchemata) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrAlreadyClaimed)
}
