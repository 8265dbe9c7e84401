package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-martinez/occams/internal/datastore"
)

// Field describes one report column.
type Field struct {
	FormName        string
	FormTitle       string
	FormPublishDate *time.Time
	Name            string
	Title           string
	Description     string
	IsRequired      bool
	IsCollection    bool
	Type            string
	Choices         string
	Order           int
	Builtin         bool
}

var leadingFields = []Field{
	{Name: "oid", Title: "Object ID", Description: "Unique record identifier", Type: "integer", IsRequired: true},
	{Name: "pid", Title: "Patient ID", Type: "string", IsRequired: true},
	{Name: "site", Title: "Site", Description: "Site the patient belongs to", Type: "string", IsRequired: true},
	{Name: "enrollment", Title: "Enrollments", Description: "Studies this record was collected for", Type: "string", IsCollection: true},
	{Name: "cycles", Title: "Cycles", Description: "Visit cycles this record was collected for", Type: "string", IsCollection: true},
	{Name: "form_name", Title: "Form Name", Type: "string", IsRequired: true},
	{Name: "form_publish_date", Title: "Form Publish Date", Type: "date", IsRequired: true},
	{Name: "state", Title: "Workflow State", Type: "string", IsRequired: true},
	{Name: "collect_date", Title: "Collect Date", Type: "date", IsRequired: true},
	{Name: "is_null", Title: "Ignore values?", Description: "If set for values should be ignored", Type: "boolean", IsRequired: true},
}

var trailingFields = []Field{
	{Name: "create_date", Title: "Create Date", Type: "datetime", IsRequired: true},
	{Name: "create_user", Title: "Created By", Type: "string", IsRequired: true},
	{Name: "modify_date", Title: "Modify Date", Type: "datetime", IsRequired: true},
	{Name: "modify_user", Title: "Modified By", Type: "string", IsRequired: true},
}

// BuiltinCount is the number of system fields every codebook carries.
var BuiltinCount = len(leadingFields) + len(trailingFields)

// BuildCodebook describes every column a report of name can have: the
// leading built-ins, one field per attribute of every live version (or
// only ids), then the audit built-ins. A name with no live versions still
// yields the built-ins.
func (b *Builder) BuildCodebook(ctx context.Context, name string, ids []int64) ([]Field, error) {
	formTitle := name
	versions, err := b.store.ListVersions(ctx, name, ids)
	switch {
	case errors.Is(err, datastore.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		formTitle = versions[len(versions)-1].Title
	}

	attrs, err := b.store.ListAttributes(ctx, name, ids)
	if err != nil {
		return nil, err
	}

	builtin := func(f Field) Field {
		f.FormName = name
		f.FormTitle = formTitle
		f.Builtin = true
		return f
	}

	fields := make([]Field, 0, BuiltinCount+len(attrs))
	for _, f := range leadingFields {
		fields = append(fields, builtin(f))
	}

	for _, attr := range attrs {
		publish := attr.PublishDate
		fields = append(fields, Field{
			FormName:        attr.SchemaName,
			FormTitle:       attr.SchemaTitle,
			FormPublishDate: &publish,
			Name:            attr.Name,
			Title:           attr.Title,
			Description:     attr.Description,
			IsRequired:      attr.IsRequired,
			IsCollection:    attr.IsCollection,
			Type:            string(attr.Type),
			Choices:         formatChoices(attr),
			Order:           attr.Order,
		})
	}

	for _, f := range trailingFields {
		fields = append(fields, builtin(f))
	}

	return fields, nil
}

// formatChoices renders "value - label" lines for choice attributes.
func formatChoices(attr datastore.AttributeDefinition) string {
	if attr.Type != datastore.TypeChoice || len(attr.Choices) == 0 {
		return ""
	}
	lines := make([]string, len(attr.Choices))
	for i, c := range attr.Choices {
		lines[i] = c.Name + " - " + c.Title
	}
	return strings.Join(lines, "\n")
}
