// Package datastore is the read-only query layer over form metadata,
// entity values and clinical context links.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Store reads schemas, attributes, entities and their clinical context.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store over an open connection pool.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

type schemaRow struct {
	ID          int64        `db:"id"`
	Name        string       `db:"name"`
	Title       string       `db:"title"`
	PublishDate sql.NullTime `db:"publish_date"`
	RetractDate sql.NullTime `db:"retract_date"`
}

func (r schemaRow) definition() SchemaDefinition {
	def := SchemaDefinition{ID: r.ID, Name: r.Name, Title: r.Title}
	if r.PublishDate.Valid {
		t := r.PublishDate.Time
		def.PublishDate = &t
	}
	if r.RetractDate.Valid {
		t := r.RetractDate.Time
		def.RetractDate = &t
	}
	return def
}

type attributeRow struct {
	ID           int64        `db:"id"`
	SchemaID     int64        `db:"schema_id"`
	SchemaName   string       `db:"schema_name"`
	SchemaTitle  string       `db:"schema_title"`
	PublishDate  sql.NullTime `db:"publish_date"`
	Name         string       `db:"name"`
	Title        string       `db:"title"`
	Description  string       `db:"description"`
	Type         string       `db:"type"`
	IsRequired   bool         `db:"is_required"`
	IsCollection bool         `db:"is_collection"`
	Order        int          `db:"display_order"`
}

type choiceRow struct {
	AttributeID int64  `db:"attribute_id"`
	Name        string `db:"name"`
	Title       string `db:"title"`
	Order       int    `db:"display_order"`
}

const schemaColumns = `s.id, s.name, s.title, s.publish_date, s.retract_date`

// liveVersions restricts s (form_schema) to published, unretracted
// versions of name, optionally limited to ids.
func liveVersions(name string, ids []int64) (string, []any) {
	clause := "s.name = ? AND s.publish_date IS NOT NULL AND s.retract_date IS NULL"
	args := []any{name}
	if len(ids) > 0 {
		clause += " AND s.id IN (?)"
		args = append(args, ids)
	}
	return clause, args
}

// bind expands IN (?) lists and rebinds placeholders for the driver.
func (s *Store) bind(query string, args ...any) (string, []any, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(query), args, nil
}

// ResolveSchema returns one version of a schema with its attributes. A nil
// ref selects the latest published version.
func (s *Store) ResolveSchema(ctx context.Context, name string, ref *VersionRef) (*SchemaDefinition, error) {
	var (
		query string
		args  []any
	)
	switch {
	case ref == nil:
		query = `SELECT ` + schemaColumns + ` FROM form_schema s
			WHERE s.name = ? AND s.publish_date IS NOT NULL AND s.retract_date IS NULL
			ORDER BY s.publish_date DESC, s.id DESC LIMIT 1`
		args = []any{name}
	case ref.AsOf != nil:
		query = `SELECT ` + schemaColumns + ` FROM form_schema s
			WHERE s.name = ? AND s.publish_date IS NOT NULL AND s.publish_date <= ?
			  AND (s.retract_date IS NULL OR s.retract_date > ?)
			ORDER BY s.publish_date DESC, s.id DESC LIMIT 1`
		asOf := ref.AsOf.UTC()
		args = []any{name, asOf, asOf}
	default:
		query = `SELECT ` + schemaColumns + ` FROM form_schema s WHERE s.name = ? AND s.id = ?`
		args = []any{name, ref.ID}
	}

	var row schemaRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schema %q: %w", name, ErrNotFound)
		}
		return nil, storeErr("resolve schema", err)
	}

	def := row.definition()
	attrs, err := s.attributes(ctx, "s.id = ?", []any{row.ID})
	if err != nil {
		return nil, err
	}
	def.Attributes = attrs
	return &def, nil
}

// ListVersions returns the live versions of name ordered by publish date.
func (s *Store) ListVersions(ctx context.Context, name string, ids []int64) ([]SchemaDefinition, error) {
	clause, args := liveVersions(name, ids)
	query, args, err := s.bind(`SELECT `+schemaColumns+` FROM form_schema s WHERE `+clause+`
		ORDER BY s.publish_date, s.id`, args...)
	if err != nil {
		return nil, storeErr("list versions", err)
	}

	var rows []schemaRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("list versions", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}

	versions := make([]SchemaDefinition, len(rows))
	for i, r := range rows {
		versions[i] = r.definition()
	}
	return versions, nil
}

// ListAttributes returns the attributes of every live version of name
// (optionally limited to ids), ordered by attribute order then publish date.
func (s *Store) ListAttributes(ctx context.Context, name string, ids []int64) ([]AttributeDefinition, error) {
	clause, args := liveVersions(name, ids)
	return s.attributes(ctx, clause, args)
}

func (s *Store) attributes(ctx context.Context, clause string, args []any) ([]AttributeDefinition, error) {
	query, args, err := s.bind(`
		SELECT a.id, a.schema_id, s.name AS schema_name, s.title AS schema_title,
		       s.publish_date, a.name, a.title, COALESCE(a.description, '') AS description,
		       a.type, a.is_required, a.is_collection, a.display_order
		FROM form_attribute a
		JOIN form_schema s ON s.id = a.schema_id
		WHERE `+clause+`
		ORDER BY a.display_order, s.publish_date, a.id`, args...)
	if err != nil {
		return nil, storeErr("list attributes", err)
	}

	var rows []attributeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("list attributes", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	attrs := make([]AttributeDefinition, len(rows))
	index := make(map[int64]int, len(rows))
	ids := make([]int64, len(rows))
	for i, r := range rows {
		attrs[i] = AttributeDefinition{
			ID:           r.ID,
			SchemaID:     r.SchemaID,
			SchemaName:   r.SchemaName,
			SchemaTitle:  r.SchemaTitle,
			PublishDate:  r.PublishDate.Time,
			Name:         r.Name,
			Title:        r.Title,
			Description:  r.Description,
			Type:         AttributeType(r.Type),
			IsRequired:   r.IsRequired,
			IsCollection: r.IsCollection,
			Order:        r.Order,
		}
		index[r.ID] = i
		ids[i] = r.ID
	}

	query, args, err = s.bind(`
		SELECT attribute_id, name, title, display_order
		FROM form_choice
		WHERE attribute_id IN (?)
		ORDER BY attribute_id, display_order, id`, ids)
	if err != nil {
		return nil, storeErr("list choices", err)
	}

	var choices []choiceRow
	if err := s.db.SelectContext(ctx, &choices, query, args...); err != nil {
		return nil, storeErr("list choices", err)
	}
	for _, c := range choices {
		i := index[c.AttributeID]
		attrs[i].Choices = append(attrs[i].Choices, Choice{Name: c.Name, Title: c.Title, Order: c.Order})
	}

	return attrs, nil
}
