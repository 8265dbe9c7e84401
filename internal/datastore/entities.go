package datastore

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

type entityRow struct {
	ID          int64     `db:"id"`
	SchemaID    int64     `db:"schema_id"`
	SchemaName  string    `db:"schema_name"`
	PublishDate time.Time `db:"publish_date"`
	State       string    `db:"state"`
	CollectDate time.Time `db:"collect_date"`
	IsNull      bool      `db:"is_null"`
	CreateDate  time.Time `db:"create_date"`
	CreateUser  string    `db:"create_user"`
	ModifyDate  time.Time `db:"modify_date"`
	ModifyUser  string    `db:"modify_user"`
}

type valueRow struct {
	EntityID int64  `db:"entity_id"`
	Name     string `db:"name"`
	Type     string `db:"type"`
	Slot     int    `db:"slot"`
	Text     string `db:"value_text"`
}

// ListEntities returns up to limit entities of the live versions of name
// (optionally limited to ids) with id greater than afterID, in id order,
// values attached. Pass the last id of a page as afterID for the next one.
func (s *Store) ListEntities(ctx context.Context, name string, ids []int64, afterID int64, limit int) ([]Entity, error) {
	clause, args := liveVersions(name, ids)
	args = append(args, afterID, limit)

	query, args, err := s.bind(`
		SELECT e.id, e.schema_id, s.name AS schema_name, s.publish_date, e.state,
		       e.collect_date, e.is_null, e.create_date, e.create_user,
		       e.modify_date, e.modify_user
		FROM form_entity e
		JOIN form_schema s ON s.id = e.schema_id
		WHERE `+clause+` AND e.id > ?
		ORDER BY e.id
		LIMIT ?`, args...)
	if err != nil {
		return nil, storeErr("list entities", err)
	}

	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("list entities", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	entities := make([]Entity, len(rows))
	index := make(map[int64]int, len(rows))
	entityIDs := make([]int64, len(rows))
	for i, r := range rows {
		entities[i] = Entity{
			ID:          r.ID,
			SchemaID:    r.SchemaID,
			SchemaName:  r.SchemaName,
			PublishDate: r.PublishDate,
			State:       r.State,
			CollectDate: r.CollectDate,
			IsNull:      r.IsNull,
			CreateDate:  r.CreateDate,
			CreateUser:  r.CreateUser,
			ModifyDate:  r.ModifyDate,
			ModifyUser:  r.ModifyUser,
			Values:      make(map[string][]Value),
		}
		index[r.ID] = i
		entityIDs[i] = r.ID
	}

	query, args, err = s.bind(`
		SELECT v.entity_id, a.name, a.type, v.slot, v.value_text
		FROM form_value v
		JOIN form_attribute a ON a.id = v.attribute_id
		WHERE v.entity_id IN (?) AND v.value_text IS NOT NULL
		ORDER BY v.entity_id, a.name, v.slot`, entityIDs)
	if err != nil {
		return nil, storeErr("list values", err)
	}

	var values []valueRow
	if err := s.db.SelectContext(ctx, &values, query, args...); err != nil {
		return nil, storeErr("list values", err)
	}
	for _, v := range values {
		e := &entities[index[v.EntityID]]
		value := DecodeValue(AttributeType(v.Type), v.Text)
		value.Slot = v.Slot
		e.Values[v.Name] = append(e.Values[v.Name], value)
	}

	return entities, nil
}

// CollectionWidths returns, per collection attribute name, the highest slot
// used by any entity of the selected versions.
func (s *Store) CollectionWidths(ctx context.Context, name string, ids []int64) (map[string]int, error) {
	clause, args := liveVersions(name, ids)
	query, args, err := s.bind(`
		SELECT a.name AS name, MAX(v.slot) AS width
		FROM form_value v
		JOIN form_attribute a ON a.id = v.attribute_id
		JOIN form_schema s ON s.id = a.schema_id
		WHERE `+clause+` AND a.is_collection
		GROUP BY a.name`, args...)
	if err != nil {
		return nil, storeErr("collection widths", err)
	}

	var rows []struct {
		Name  string `db:"name"`
		Width int    `db:"width"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("collection widths", err)
	}

	widths := make(map[string]int, len(rows))
	for _, r := range rows {
		widths[r.Name] = r.Width
	}
	return widths, nil
}

type contextRow struct {
	EntityID int64          `db:"entity_id"`
	PID      string         `db:"pid"`
	Site     string         `db:"site"`
	Extra    sql.NullString `db:"extra"`
}

// ResolveContext returns the clinical context of one entity. An entity with
// no links gets an empty context.
func (s *Store) ResolveContext(ctx context.Context, entityID int64) (*ClinicalContext, error) {
	contexts, err := s.ResolveContexts(ctx, []int64{entityID})
	if err != nil {
		return nil, err
	}
	return contexts[entityID], nil
}

// ResolveContexts resolves a batch of entities at once. Every requested id
// has an entry in the result.
func (s *Store) ResolveContexts(ctx context.Context, entityIDs []int64) (map[int64]*ClinicalContext, error) {
	result := make(map[int64]*ClinicalContext, len(entityIDs))
	for _, id := range entityIDs {
		result[id] = &ClinicalContext{}
	}
	if len(entityIDs) == 0 {
		return result, nil
	}

	queries := []struct {
		external string
		query    string
	}{
		{ExternalPatient, `
			SELECT c.entity_id, p.pid, st.name AS site, NULL AS extra
			FROM entity_context c
			JOIN patient p ON p.id = c.external_key
			JOIN site st ON st.id = p.site_id
			WHERE c.external = ? AND c.entity_id IN (?)`},
		{ExternalEnrollment, `
			SELECT c.entity_id, p.pid, st.name AS site, sy.name AS extra
			FROM entity_context c
			JOIN enrollment en ON en.id = c.external_key
			JOIN patient p ON p.id = en.patient_id
			JOIN site st ON st.id = p.site_id
			JOIN study sy ON sy.id = en.study_id
			WHERE c.external = ? AND c.entity_id IN (?)`},
		{ExternalVisit, `
			SELECT c.entity_id, p.pid, st.name AS site, cy.name AS extra
			FROM entity_context c
			JOIN visit vi ON vi.id = c.external_key
			JOIN patient p ON p.id = vi.patient_id
			JOIN site st ON st.id = p.site_id
			LEFT JOIN visit_cycle vc ON vc.visit_id = vi.id
			LEFT JOIN cycle cy ON cy.id = vc.cycle_id
			WHERE c.external = ? AND c.entity_id IN (?)`},
	}

	enrollments := make(map[int64]map[string]struct{})
	cycles := make(map[int64]map[string]struct{})

	for _, q := range queries {
		query, args, err := s.bind(q.query, q.external, entityIDs)
		if err != nil {
			return nil, storeErr("resolve context", err)
		}

		var rows []contextRow
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, storeErr("resolve context", err)
		}

		for _, r := range rows {
			c := result[r.EntityID]
			c.PID = r.PID
			c.Site = r.Site
			if !r.Extra.Valid {
				continue
			}
			switch q.external {
			case ExternalEnrollment:
				addName(enrollments, r.EntityID, r.Extra.String)
			case ExternalVisit:
				addName(cycles, r.EntityID, r.Extra.String)
			}
		}
	}

	for id, c := range result {
		c.Enrollments = sortedNames(enrollments[id])
		c.Cycles = sortedNames(cycles[id])
	}
	return result, nil
}

func addName(sets map[int64]map[string]struct{}, id int64, name string) {
	if sets[id] == nil {
		sets[id] = make(map[string]struct{})
	}
	sets[id][name] = struct{}{}
}

func sortedNames(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
