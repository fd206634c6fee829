package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/klaxon/internal/geo"
)

// ErrMalformed marks payloads that cannot be turned into an Event.
var ErrMalformed = errors.New("malformed alert payload")

// rawEvent mirrors the upstream JSON loosely; fields are decoded lazily so
// that numbers and strings are both accepted for identifiers.
type rawEvent struct {
	ID          json.RawMessage `json:"id"`
	EventID     json.RawMessage `json:"eventId"`
	SentAt      json.RawMessage `json:"sentAt"`
	SentAtSnake json.RawMessage `json:"sent_at"`
	Sent        json.RawMessage `json:"sent"`
	Severity    json.RawMessage `json:"severity"`
	Headline    json.RawMessage `json:"headline"`
	Description json.RawMessage `json:"description"`
	Areas       json.RawMessage `json:"areas"`
}

type rawArea struct {
	Name     json.RawMessage `json:"name"`
	Geometry json.RawMessage `json:"geometry"`
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Normalize decodes an upstream payload into an Event.
func Normalize(raw []byte) (*Event, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := &Event{
		EventID:     firstScalar(re.ID, re.EventID),
		SentAt:      firstScalar(re.SentAt, re.SentAtSnake, re.Sent),
		Severity:    ParseSeverity(scalar(re.Severity)),
		Headline:    scalar(re.Headline),
		Description: scalar(re.Description),
	}
	if ev.EventID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformed)
	}

	var areas []json.RawMessage
	if len(re.Areas) > 0 && json.Unmarshal(re.Areas, &areas) == nil {
		for _, a := range areas {
			if area, ok := normalizeArea(a); ok {
				ev.Areas = append(ev.Areas, area)
			}
		}
	}
	return ev, nil
}

// NormalizerFunc adapts a function to the pipeline's normalizer stage.
type NormalizerFunc func(raw []byte) (*Event, error)

// Normalize implements the normalizer stage.
func (f NormalizerFunc) Normalize(raw []byte) (*Event, error) { return f(raw) }

func normalizeArea(raw json.RawMessage) (Area, bool) {
	var ra rawArea
	if err := json.Unmarshal(raw, &ra); err != nil {
		return Area{}, false
	}
	area := Area{Name: scalar(ra.Name)}

	var rg rawGeometry
	if len(ra.Geometry) == 0 || json.Unmarshal(ra.Geometry, &rg) != nil || len(rg.Coordinates) == 0 {
		return area, true
	}
	if rg.Type == "" {
		rg.Type = string(GeometryPoint)
	}

	switch GeometryKind(rg.Type) {
	case GeometryPoint:
		var c []float64
		if json.Unmarshal(rg.Coordinates, &c) == nil && len(c) >= 2 {
			area.Geometry = Geometry{Kind: GeometryPoint, Point: geo.LatLon{Lat: c[1], Lon: c[0]}}
		}
	case GeometryPolygon:
		var rings [][][]float64
		if json.Unmarshal(rg.Coordinates, &rings) != nil || len(rings) == 0 {
			return area, true
		}
		ring := make([]geo.LatLon, 0, len(rings[0]))
		for _, v := range rings[0] {
			if len(v) < 2 {
				return area, true
			}
			ring = append(ring, geo.LatLon{Lat: v[1], Lon: v[0]})
		}
		if len(ring) >= 3 {
			area.Geometry = Geometry{Kind: GeometryPolygon, Ring: ring}
		}
	}
	return area, true
}

func firstScalar(vals ...json.RawMessage) string {
	for _, v := range vals {
		if s := scalar(v); s != "" {
			return s
		}
	}
	return ""
}

// scalar renders a JSON string or number as text; anything else is empty.
func scalar(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
