// Package reporting flattens form entities into tabular reports and
// describes their columns as codebooks.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m-martinez/occams/internal/datastore"
)

// DefaultBatchSize is the number of entities fetched per page.
const DefaultBatchSize = 500

// MetadataStore is the part of the metadata store the builders read from.
type MetadataStore interface {
	ListVersions(ctx context.Context, name string, ids []int64) ([]datastore.SchemaDefinition, error)
	ListAttributes(ctx context.Context, name string, ids []int64) ([]datastore.AttributeDefinition, error)
	ListEntities(ctx context.Context, name string, ids []int64, afterID int64, limit int) ([]datastore.Entity, error)
	ResolveContexts(ctx context.Context, entityIDs []int64) (map[int64]*datastore.ClinicalContext, error)
	CollectionWidths(ctx context.Context, name string, ids []int64) (map[string]int, error)
}

// Options controls how attribute values are rendered.
type Options struct {
	ExpandCollections bool
	UseChoiceLabels   bool
}

// Builder builds reports and codebooks for one schema name at a time.
type Builder struct {
	store     MetadataStore
	batchSize int
	logger    *slog.Logger
}

// NewBuilder creates a Builder. A non-positive batchSize uses DefaultBatchSize.
func NewBuilder(store MetadataStore, batchSize int, logger *slog.Logger) *Builder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Builder{store: store, batchSize: batchSize, logger: logger}
}

type cellFunc func(e *datastore.Entity, c *datastore.ClinicalContext) string

type column struct {
	name  string
	value cellFunc

	// set on the columns an expanded collection attribute is split into
	attr  string
	part  string
	label string
}

// Report is a lazily evaluated table: the header is fixed when the report is
// built, rows are fetched page by page from Each.
type Report struct {
	Name    string
	ids     []int64
	columns []column
	builder *Builder
}

// Columns returns the header row.
func (r *Report) Columns() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.name
	}
	return names
}

// DescribeColumns fits codebook fields to the header of r. Every attribute
// field that r split into several columns is replaced by one field per
// column; other fields are returned as they are.
func (r *Report) DescribeColumns(fields []Field) []Field {
	expanded := make(map[string][]column)
	for _, c := range r.columns {
		if c.attr != "" {
			expanded[c.attr] = append(expanded[c.attr], c)
		}
	}
	if len(expanded) == 0 {
		return fields
	}

	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		cols, ok := expanded[f.Name]
		if f.Builtin || !ok {
			out = append(out, f)
			continue
		}
		for _, c := range cols {
			g := f
			g.Name = c.name
			g.IsCollection = false
			g.IsRequired = false
			if c.label != "" {
				g.Title = f.Title + ": " + c.label
				g.Choices = c.part + " - " + c.label
			} else {
				g.Title = f.Title + " #" + c.part
			}
			out = append(out, g)
		}
	}
	return out
}

// Each calls fn with every row in entity id order. Returning an error from
// fn stops the iteration and returns that error.
func (r *Report) Each(ctx context.Context, fn func(row []string) error) error {
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entities, err := r.builder.store.ListEntities(ctx, r.Name, r.ids, after, r.builder.batchSize)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			return nil
		}

		entityIDs := make([]int64, len(entities))
		for i := range entities {
			entityIDs[i] = entities[i].ID
		}
		contexts, err := r.builder.store.ResolveContexts(ctx, entityIDs)
		if err != nil {
			return err
		}

		for i := range entities {
			e := &entities[i]
			c := contexts[e.ID]
			if c == nil {
				c = &datastore.ClinicalContext{}
			}
			row := make([]string, len(r.columns))
			for j, col := range r.columns {
				row[j] = col.value(e, c)
			}
			if err := fn(row); err != nil {
				return err
			}
		}

		if len(entities) < r.builder.batchSize {
			return nil
		}
		after = entities[len(entities)-1].ID
	}
}

// leadingColumns precede the attribute columns. Downstream consumers read
// these by position, so site stays ahead of pid even though the codebook
// lists pid first.
var leadingColumns = []column{
	{name: "oid", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return strconv.FormatInt(e.ID, 10) }},
	{name: "site", value: func(_ *datastore.Entity, c *datastore.ClinicalContext) string { return c.Site }},
	{name: "pid", value: func(_ *datastore.Entity, c *datastore.ClinicalContext) string { return c.PID }},
	{name: "enrollment", value: func(_ *datastore.Entity, c *datastore.ClinicalContext) string { return strings.Join(c.Enrollments, ",") }},
	{name: "cycles", value: func(_ *datastore.Entity, c *datastore.ClinicalContext) string { return strings.Join(c.Cycles, ",") }},
	{name: "form_name", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return e.SchemaName }},
	{name: "form_publish_date", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return datastore.FormatDate(e.PublishDate) }},
	{name: "state", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return e.State }},
	{name: "collect_date", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return datastore.FormatDate(e.CollectDate) }},
	{name: "is_null", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return strconv.FormatBool(e.IsNull) }},
}

var trailingColumns = []column{
	{name: "create_date", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return datastore.FormatDateTime(e.CreateDate) }},
	{name: "create_user", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return e.CreateUser }},
	{name: "modify_date", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return datastore.FormatDateTime(e.ModifyDate) }},
	{name: "modify_user", value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string { return e.ModifyUser }},
}

// BuildReport resolves the attribute list of name once and returns the
// report over the selected versions. An empty ids selects every live
// version. datastore.ErrNotFound is returned when nothing is live.
func (b *Builder) BuildReport(ctx context.Context, name string, ids []int64, opts Options) (*Report, error) {
	if _, err := b.store.ListVersions(ctx, name, ids); err != nil {
		return nil, err
	}

	attrs, err := b.store.ListAttributes(ctx, name, ids)
	if err != nil {
		return nil, err
	}

	var widths map[string]int
	if opts.ExpandCollections {
		widths, err = b.store.CollectionWidths(ctx, name, ids)
		if err != nil {
			return nil, err
		}
	}

	columns := make([]column, 0, len(leadingColumns)+len(attrs)+len(trailingColumns))
	columns = append(columns, leadingColumns...)
	for _, attr := range mergeAttributes(attrs) {
		columns = append(columns, attributeColumns(attr, opts, widths[attr.Name])...)
	}
	columns = append(columns, trailingColumns...)

	b.logger.Debug("Report built",
		slog.String("schema", name),
		slog.Int("columns", len(columns)),
		slog.Bool("expand_collections", opts.ExpandCollections),
		slog.Bool("use_choice_labels", opts.UseChoiceLabels),
	)

	return &Report{Name: name, ids: ids, columns: columns, builder: b}, nil
}

// mergeAttributes collapses the per-version attribute list into one
// definition per name, in first-seen order. Choices are unioned and the
// most recent version's labels win.
func mergeAttributes(attrs []datastore.AttributeDefinition) []datastore.AttributeDefinition {
	var merged []datastore.AttributeDefinition
	index := make(map[string]int)

	for _, attr := range attrs {
		i, seen := index[attr.Name]
		if !seen {
			attr.Choices = append([]datastore.Choice(nil), attr.Choices...)
			index[attr.Name] = len(merged)
			merged = append(merged, attr)
			continue
		}

		m := &merged[i]
		m.IsCollection = m.IsCollection || attr.IsCollection
		newer := attr.PublishDate.After(m.PublishDate)
		for _, c := range attr.Choices {
			found := false
			for k := range m.Choices {
				if m.Choices[k].Name == c.Name {
					if newer {
						m.Choices[k].Title = c.Title
					}
					found = true
					break
				}
			}
			if !found {
				m.Choices = append(m.Choices, c)
			}
		}
	}
	return merged
}

func attributeColumns(attr datastore.AttributeDefinition, opts Options, width int) []column {
	render := func(v datastore.Value) string {
		if attr.Type == datastore.TypeChoice && opts.UseChoiceLabels {
			if label, ok := attr.ChoiceLabel(v.Text); ok {
				return label
			}
		}
		return v.String()
	}

	if !attr.IsCollection {
		return []column{{name: attr.Name, value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string {
			values := e.Values[attr.Name]
			if len(values) == 0 {
				return ""
			}
			return render(values[0])
		}}}
	}

	if !opts.ExpandCollections {
		return []column{{name: attr.Name, value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string {
			values := e.Values[attr.Name]
			parts := make([]string, len(values))
			for i, v := range values {
				parts[i] = render(v)
			}
			return strings.Join(parts, ";")
		}}}
	}

	// One column per possible answer for choice collections.
	if attr.Type == datastore.TypeChoice {
		columns := make([]column, len(attr.Choices))
		for i, choice := range attr.Choices {
			selected := choice.Name
			columns[i] = column{name: attr.Name + "_" + selected, value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string {
				for _, v := range e.Values[attr.Name] {
					if v.Text == selected {
						return render(v)
					}
				}
				return ""
			}, attr: attr.Name, part: selected, label: choice.Title}
		}
		return columns
	}

	// Otherwise one column per slot ever used. Slots may have gaps, so
	// values are matched by slot number rather than position.
	if width < 1 {
		width = 1
	}
	columns := make([]column, width)
	for i := 0; i < width; i++ {
		slot := i + 1
		columns[i] = column{name: fmt.Sprintf("%s_%d", attr.Name, slot), value: func(e *datastore.Entity, _ *datastore.ClinicalContext) string {
			for _, v := range e.Values[attr.Name] {
				if v.Slot == slot {
					return render(v)
				}
			}
			return ""
		}, attr: attr.Name, part: strconv.Itoa(slot)}
	}
	return columns
}
