package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/m-martinez/occams/internal/api/storage"
)

func DecodeExportCursor(cursorStr string) (*storage.ExportCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.ExportCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		ExportID:  decodedParts[1],
	}, nil
}

func EncodeExportCursor(cursor *storage.ExportCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ExportID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
