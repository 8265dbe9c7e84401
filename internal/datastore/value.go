package datastore

import (
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindDate
	KindDateTime
	KindBoolean
	KindChoice
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = time.RFC3339
)

// Value is a decoded attribute value.
type Value struct {
	Kind   Kind
	Text   string // string and choice kinds, also the raw fallback
	Number float64
	Time   time.Time
	Bool   bool
	Slot   int // 1-based position within a collection
}

// DecodeValue turns the stored text of an attribute into a typed Value.
// Text that does not parse as the declared type is kept as a string.
func DecodeValue(t AttributeType, raw string) Value {
	switch t {
	case TypeNumber, TypeInteger, TypeDecimal:
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return Value{Kind: KindNumber, Number: f, Text: raw}
		}
	case TypeDate:
		if d, err := time.Parse(dateLayout, strings.TrimSpace(raw)); err == nil {
			return Value{Kind: KindDate, Time: d, Text: raw}
		}
	case TypeDateTime:
		if d, err := time.Parse(dateTimeLayout, strings.TrimSpace(raw)); err == nil {
			return Value{Kind: KindDateTime, Time: d, Text: raw}
		}
	case TypeBoolean:
		if b, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return Value{Kind: KindBoolean, Bool: b, Text: raw}
		}
	case TypeChoice:
		return Value{Kind: KindChoice, Text: raw}
	}
	return Value{Kind: KindString, Text: raw}
}

// String renders the value the way it appears in a report cell.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindDate:
		return v.Time.Format(dateLayout)
	case KindDateTime:
		return v.Time.Format(dateTimeLayout)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Text
	}
}

// FormatDate renders a date column.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// FormatDateTime renders a timestamp column.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeLayout)
}
