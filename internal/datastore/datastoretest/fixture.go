// Package datastoretest opens migrated SQLite databases and seeds a small
// clinic for tests.
package datastoretest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/m-martinez/occams/migrations"
	"github.com/m-martinez/occams/shared/database"
)

// Schema version ids seeded by SeedClinic.
const (
	Demographics   int64 = 1
	LabsV2         int64 = 2
	LabsV3         int64 = 3
	LabsDraft      int64 = 4
	Empty          int64 = 5
	Retracted      int64 = 6
	DemographicsV2 int64 = 7 // unpublished
)

// Entity ids seeded by SeedClinic.
const (
	EntityJaneDemographics int64 = 10
	EntityJohnDemographics int64 = 11
	EntityJaneLabsV2       int64 = 20
	EntityJaneLabsV3       int64 = 21
	EntityJohnLabsV3       int64 = 22
	EntityDraftLabs        int64 = 23
)

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Discard is a logger for components under test.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Open creates a SQLite database in a temp dir and applies every migration.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "occams.db"),
	}, Discard())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = database.NewMigrator(client.GetDB(), migrations.FS, Discard()).Up(context.Background())
	require.NoError(t, err)

	return client.GetDB()
}

// Exec runs one statement with ? placeholders.
func Exec(t testing.TB, db *sqlx.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(db.Rebind(query), args...)
	require.NoError(t, err, query)
}

// SeedClinic loads the fixture shared by the store, reporting and export
// tests:
//
//	demographics v1 (published 2020-01-01): gender (choice), birth_year (integer)
//	labs v2 (2021-01-01): hemoglobin (decimal), fasting (choice 1=No 2=Yes)
//	labs v3 (2022-01-01): hemoglobin, fasting (+3=Unknown), medications
//	    (string collection), symptoms (choice collection fever/cough/rash)
//	labs draft, empty (published, no attributes), retracted, demographics v2 draft
//
// Jane (AAA-001, ucsd) is enrolled in aeh and cvct; John (BBB-002, ucla) in aeh.
func SeedClinic(t testing.TB, db *sqlx.DB) {
	t.Helper()

	exec := func(query string, args ...any) { Exec(t, db, query, args...) }

	exec(`INSERT INTO site (id, name) VALUES (1, 'ucsd'), (2, 'ucla')`)
	exec(`INSERT INTO patient (id, site_id, pid) VALUES (1, 1, 'AAA-001'), (2, 2, 'BBB-002')`)
	exec(`INSERT INTO study (id, name) VALUES (1, 'aeh'), (2, 'cvct')`)
	exec(`INSERT INTO enrollment (id, patient_id, study_id) VALUES (1, 1, 1), (2, 1, 2), (3, 2, 1)`)
	exec(`INSERT INTO cycle (id, study_id, name) VALUES (1, 1, 'aeh-week-1'), (2, 1, 'aeh-week-2')`)
	exec(`INSERT INTO visit (id, patient_id, visit_date) VALUES (1, 1, ?), (2, 2, ?)`,
		Day(2022, 3, 1), Day(2022, 3, 2))
	exec(`INSERT INTO visit_cycle (visit_id, cycle_id) VALUES (1, 2), (1, 1), (2, 1)`)

	schema := func(id int64, name, title string, publish, retract *time.Time) {
		exec(`INSERT INTO form_schema (id, name, title, publish_date, retract_date) VALUES (?, ?, ?, ?, ?)`,
			id, name, title, publish, retract)
	}
	ptr := func(t time.Time) *time.Time { return &t }

	schema(Demographics, "demographics", "Demographics", ptr(Day(2020, 1, 1)), nil)
	schema(LabsV2, "labs", "Lab Results", ptr(Day(2021, 1, 1)), nil)
	schema(LabsV3, "labs", "Lab Results", ptr(Day(2022, 1, 1)), nil)
	schema(LabsDraft, "labs", "Lab Results (draft)", nil, nil)
	schema(Empty, "empty", "Empty Form", ptr(Day(2020, 6, 1)), nil)
	schema(Retracted, "retired", "Retired Form", ptr(Day(2019, 1, 1)), ptr(Day(2019, 6, 1)))
	schema(DemographicsV2, "demographics", "Demographics", nil, nil)

	attribute := func(id, schemaID int64, name, title, typ string, required, collection bool, order int) {
		exec(`INSERT INTO form_attribute (id, schema_id, name, title, description, type, is_required, is_collection, display_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, schemaID, name, title, title+" as reported", typ, required, collection, order)
	}
	choice := func(id, attributeID int64, name, title string, order int) {
		exec(`INSERT INTO form_choice (id, attribute_id, name, title, display_order) VALUES (?, ?, ?, ?, ?)`,
			id, attributeID, name, title, order)
	}

	attribute(101, Demographics, "gender", "Gender", "choice", true, false, 1)
	choice(1001, 101, "1", "Male", 1)
	choice(1002, 101, "2", "Female", 2)
	attribute(102, Demographics, "birth_year", "Birth Year", "integer", false, false, 2)

	attribute(201, LabsV2, "hemoglobin", "Hemoglobin", "decimal", false, false, 1)
	attribute(202, LabsV2, "fasting", "Fasting?", "choice", true, false, 2)
	choice(2001, 202, "1", "No", 1)
	choice(2002, 202, "2", "Yes", 2)

	attribute(301, LabsV3, "hemoglobin", "Hemoglobin", "decimal", false, false, 1)
	attribute(302, LabsV3, "fasting", "Fasting?", "choice", true, false, 2)
	choice(3001, 302, "1", "No", 1)
	choice(3002, 302, "2", "Yes", 2)
	choice(3003, 302, "3", "Unknown", 3)
	attribute(303, LabsV3, "medications", "Medications", "string", false, true, 3)
	attribute(304, LabsV3, "symptoms", "Symptoms", "choice", false, true, 4)
	choice(3041, 304, "fever", "Fever", 1)
	choice(3042, 304, "cough", "Cough", 2)
	choice(3043, 304, "rash", "Rash", 3)

	attribute(401, LabsDraft, "hemoglobin", "Hemoglobin", "decimal", false, false, 1)
	attribute(601, Retracted, "reason", "Reason", "text", false, false, 1)
	attribute(701, DemographicsV2, "gender", "Gender", "choice", true, false, 1)

	entity := func(id, schemaID int64, state string, collect time.Time, isNull bool) {
		stamp := collect.Add(9 * time.Hour)
		exec(`INSERT INTO form_entity (id, schema_id, state, collect_date, is_null, create_date, create_user, modify_date, modify_user)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, schemaID, state, collect, isNull, stamp, "bob", stamp.Add(time.Hour), "alice")
	}
	value := func(entityID, attributeID int64, slot int, text string) {
		exec(`INSERT INTO form_value (entity_id, attribute_id, slot, value_text) VALUES (?, ?, ?, ?)`,
			entityID, attributeID, slot, text)
	}
	link := func(entityID int64, external string, key int64) {
		exec(`INSERT INTO entity_context (entity_id, external, external_key) VALUES (?, ?, ?)`,
			entityID, external, key)
	}

	entity(EntityJaneDemographics, Demographics, "complete", Day(2022, 2, 1), false)
	value(EntityJaneDemographics, 101, 1, "2")
	value(EntityJaneDemographics, 102, 1, "1980")
	link(EntityJaneDemographics, "patient", 1)

	entity(EntityJohnDemographics, Demographics, "pending-entry", Day(2022, 2, 2), false)
	value(EntityJohnDemographics, 101, 1, "1")
	link(EntityJohnDemographics, "patient", 2)

	entity(EntityJaneLabsV2, LabsV2, "complete", Day(2022, 3, 1), false)
	value(EntityJaneLabsV2, 201, 1, "13.50")
	value(EntityJaneLabsV2, 202, 1, "2")
	link(EntityJaneLabsV2, "enrollment", 1)
	link(EntityJaneLabsV2, "visit", 1)

	entity(EntityJaneLabsV3, LabsV3, "complete", Day(2022, 4, 1), false)
	value(EntityJaneLabsV3, 301, 1, "12")
	value(EntityJaneLabsV3, 302, 1, "1")
	value(EntityJaneLabsV3, 303, 1, "aspirin")
	value(EntityJaneLabsV3, 303, 2, "ibuprofen")
	value(EntityJaneLabsV3, 304, 1, "cough")
	value(EntityJaneLabsV3, 304, 2, "fever")
	link(EntityJaneLabsV3, "enrollment", 2)
	link(EntityJaneLabsV3, "enrollment", 1)
	link(EntityJaneLabsV3, "visit", 1)

	entity(EntityJohnLabsV3, LabsV3, "pending-review", Day(2022, 4, 2), true)
	value(EntityJohnLabsV3, 303, 1, "statin")
	value(EntityJohnLabsV3, 304, 1, "rash")
	link(EntityJohnLabsV3, "patient", 2)

	entity(EntityDraftLabs, LabsDraft, "pending-entry", Day(2022, 5, 1), false)
	value(EntityDraftLabs, 401, 1, "10")
	link(EntityDraftLabs, "patient", 1)
}
