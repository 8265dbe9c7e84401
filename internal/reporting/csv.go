package reporting

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/m-martinez/occams/internal/datastore"
)

// CodebookHeader is the header row of every codebook file.
var CodebookHeader = []string{
	"form_name",
	"form_title",
	"form_publish_date",
	"field_name",
	"field_title",
	"field_description",
	"field_is_required",
	"field_is_collection",
	"field_type",
	"field_choices",
	"field_order",
}

// WriteReport writes the header and every row of r as CSV and returns the
// number of data rows.
func WriteReport(ctx context.Context, w io.Writer, r *Report) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(r.Columns()); err != nil {
		return 0, fmt.Errorf("write report header: %w", err)
	}

	rows := 0
	err := r.Each(ctx, func(row []string) error {
		rows++
		return cw.Write(row)
	})
	if err != nil {
		return rows, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("flush report: %w", err)
	}
	return rows, nil
}

// WriteCodebook writes fields as CSV under CodebookHeader.
func WriteCodebook(w io.Writer, fields []Field) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CodebookHeader); err != nil {
		return fmt.Errorf("write codebook header: %w", err)
	}

	for _, f := range fields {
		publish := ""
		if f.FormPublishDate != nil {
			publish = datastore.FormatDate(*f.FormPublishDate)
		}
		order := ""
		if !f.Builtin {
			order = strconv.Itoa(f.Order)
		}
		record := []string{
			f.FormName,
			f.FormTitle,
			publish,
			f.Name,
			f.Title,
			f.Description,
			strconv.FormatBool(f.IsRequired),
			strconv.FormatBool(f.IsCollection),
			f.Type,
			f.Choices,
			order,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write codebook row %s: %w", f.Name, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
