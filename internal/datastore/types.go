package datastore

import (
	"time"
)

// AttributeType is the declared type of a form attribute.
type AttributeType string

const (
	TypeString   AttributeType = "string"
	TypeText     AttributeType = "text"
	TypeNumber   AttributeType = "number"
	TypeInteger  AttributeType = "integer"
	TypeDecimal  AttributeType = "decimal"
	TypeDate     AttributeType = "date"
	TypeDateTime AttributeType = "datetime"
	TypeBoolean  AttributeType = "boolean"
	TypeChoice   AttributeType = "choice"
)

// Context link kinds stored in entity_context.external.
const (
	ExternalPatient    = "patient"
	ExternalEnrollment = "enrollment"
	ExternalVisit      = "visit"
)

// SchemaDefinition is one published (or draft) version of a form.
type SchemaDefinition struct {
	ID          int64
	Name        string
	Title       string
	PublishDate *time.Time
	RetractDate *time.Time
	Attributes  []AttributeDefinition
}

// Published reports whether the version is live: published and not retracted.
func (s SchemaDefinition) Published() bool {
	return s.PublishDate != nil && s.RetractDate == nil
}

// Choice is one allowed answer of a choice attribute.
type Choice struct {
	Name  string // stored value
	Title string // label shown to users
	Order int
}

// AttributeDefinition describes one question of a schema version together
// with the version it belongs to.
type AttributeDefinition struct {
	ID           int64
	SchemaID     int64
	SchemaName   string
	SchemaTitle  string
	PublishDate  time.Time
	Name         string
	Title        string
	Description  string
	Type         AttributeType
	IsRequired   bool
	IsCollection bool
	Order        int
	Choices      []Choice
}

// ChoiceLabel returns the label for a stored choice value.
func (a AttributeDefinition) ChoiceLabel(value string) (string, bool) {
	for _, c := range a.Choices {
		if c.Name == value {
			return c.Title, true
		}
	}
	return "", false
}

// Entity is one filled-in form. Values are keyed by attribute name; a
// collection attribute holds its values in slot order.
type Entity struct {
	ID          int64
	SchemaID    int64
	SchemaName  string
	PublishDate time.Time
	State       string
	CollectDate time.Time
	IsNull      bool
	CreateDate  time.Time
	CreateUser  string
	ModifyDate  time.Time
	ModifyUser  string
	Values      map[string][]Value
}

// ClinicalContext is what an entity is about: the patient, the studies the
// patient is enrolled in through the entity, and the visit cycles.
type ClinicalContext struct {
	Site        string
	PID         string
	Enrollments []string
	Cycles      []string
}

// VersionRef selects a schema version either by id or by the date it was in
// effect. The zero value is invalid; use a nil *VersionRef for "latest".
type VersionRef struct {
	ID   int64
	AsOf *time.Time
}
