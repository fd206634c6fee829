package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/linnemanlabs/klaxon/internal/geo"
)

// Severity is the alert severity level.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// Severities lists all levels from lowest to highest.
var Severities = []Severity{SeverityMinor, SeverityModerate, SeveritySevere, SeverityCritical}

// ParseSeverity maps free-form input to a Severity. Unknown or empty input
// maps to moderate.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityMinor:
		return SeverityMinor
	case SeveritySevere:
		return SeveritySevere
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityModerate
	}
}

// Known reports whether s is one of the four defined levels.
func (s Severity) Known() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeveritySevere, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities: minor 0, moderate 1, severe 2, critical 3.
// Unknown values rank as moderate.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 0
	case SeveritySevere:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// GeometryKind tags the Geometry variant.
type GeometryKind string

const (
	GeometryNone    GeometryKind = ""
	GeometryPoint   GeometryKind = "Point"
	GeometryPolygon GeometryKind = "Polygon"
)

// Geometry is either a Point or a Polygon ring. A zero Geometry means the
// area carries no usable shape.
type Geometry struct {
	Kind  GeometryKind
	Point geo.LatLon
	Ring  []geo.LatLon
}

// Area is one affected area of an alert.
type Area struct {
	Name     string
	Geometry Geometry
}

// Event is the normalized alert record. It is built once by Normalize and
// never mutated afterwards.
type Event struct {
	EventID     string
	SentAt      string
	Severity    Severity
	Headline    string
	Description string
	Areas       []Area
}

// DedupKey returns the stable identity used by the idempotency store:
// hex(sha256(event_id + ":" + sent_at)).
func (e *Event) DedupKey() string {
	sum := sha256.Sum256([]byte(e.EventID + ":" + e.SentAt))
	return hex.EncodeToString(sum[:])
}
