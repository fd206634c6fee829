package alert

import (
	"errors"
	"testing"
)

func TestNormalize_Basic(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id": "E1",
		"sentAt": "2025-01-01T00:00:00Z",
		"severity": "SEVERE",
		"headline": "Heavy rain",
		"description": "Flooding expected",
		"areas": [
			{"name": "Seoul", "geometry": {"type": "Point", "coordinates": [126.978, 37.5665]}},
			{"name": "Box", "geometry": {"type": "Polygon", "coordinates": [[[126,37],[128,37],[128,38],[126,38]]]}}
		]
	}`)

	ev, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	assertEqual(t, "EventID", "E1", ev.EventID)
	assertEqual(t, "SentAt", "2025-01-01T00:00:00Z", ev.SentAt)
	assertEqual(t, "Severity", SeveritySevere, ev.Severity)
	assertEqual(t, "Headline", "Heavy rain", ev.Headline)
	assertEqual(t, "Description", "Flooding expected", ev.Description)

	if len(ev.Areas) != 2 {
		t.Fatalf("areas = %d, want 2", len(ev.Areas))
	}
	pt := ev.Areas[0].Geometry
	assertEqual(t, "point kind", GeometryPoint, pt.Kind)
	assertEqual(t, "point lat", 37.5665, pt.Point.Lat)
	assertEqual(t, "point lon", 126.978, pt.Point.Lon)

	poly := ev.Areas[1].Geometry
	assertEqual(t, "polygon kind", GeometryPolygon, poly.Kind)
	assertEqual(t, "ring len", 4, len(poly.Ring))
	assertEqual(t, "ring[1] lon", 128.0, poly.Ring[1].Lon)
}

func TestNormalize_FieldAliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantID   string
		wantSent string
	}{
		{"eventId", `{"eventId":"A","sent_at":"t1"}`, "A", "t1"},
		{"id wins", `{"id":"B","eventId":"A","sentAt":"t2","sent_at":"t1"}`, "B", "t2"},
		{"numeric id", `{"id":12345,"sent":"t3"}`, "12345", "t3"},
		{"empty id falls back", `{"id":"","eventId":"C"}`, "C", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := Normalize([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			assertEqual(t, "EventID", tt.wantID, ev.EventID)
			assertEqual(t, "SentAt", tt.wantSent, ev.SentAt)
		})
	}
}

func TestNormalize_SeverityDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want Severity
	}{
		{`{"id":"x"}`, SeverityModerate},
		{`{"id":"x","severity":"extreme"}`, SeverityModerate},
		{`{"id":"x","severity":" Critical "}`, SeverityCritical},
		{`{"id":"x","severity":"minor"}`, SeverityMinor},
		{`{"id":"x","severity":3}`, SeverityModerate},
	}
	for _, tt := range tests {
		ev, err := Normalize([]byte(tt.raw))
		if err != nil {
			t.Fatalf("Normalize(%s): %v", tt.raw, err)
		}
		if ev.Severity != tt.want {
			t.Errorf("Normalize(%s).Severity = %q, want %q", tt.raw, ev.Severity, tt.want)
		}
	}
}

func TestNormalize_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`not json`,
		`[1,2,3]`,
		`{"headline":"no id"}`,
		`null`,
	} {
		_, err := Normalize([]byte(raw))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Normalize(%s) err = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestNormalize_UnusableGeometry(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"G","areas":[
		{"name":"short ring","geometry":{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}},
		{"name":"bad point","geometry":{"type":"Point","coordinates":[1]}},
		{"name":"unknown","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]}},
		{"name":"default point","geometry":{"coordinates":[10,20]}},
		{"name":"no geometry"},
		"garbage"
	]}`)

	ev, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(ev.Areas) != 5 {
		t.Fatalf("areas = %d, want 5", len(ev.Areas))
	}
	for _, i := range []int{0, 1, 2, 4} {
		if ev.Areas[i].Geometry.Kind != GeometryNone {
			t.Errorf("area %q kind = %q, want none", ev.Areas[i].Name, ev.Areas[i].Geometry.Kind)
		}
	}
	def := ev.Areas[3].Geometry
	assertEqual(t, "default kind", GeometryPoint, def.Kind)
	assertEqual(t, "default lat", 20.0, def.Point.Lat)
}

func TestDedupKey_Stable(t *testing.T) {
	t.Parallel()

	a := &Event{EventID: "E1", SentAt: "2025-01-01T00:00:00Z", Headline: "one"}
	b := &Event{EventID: "E1", SentAt: "2025-01-01T00:00:00Z", Headline: "two", Severity: SeverityCritical}
	c := &Event{EventID: "E1", SentAt: "2025-01-01T00:00:01Z"}

	if a.DedupKey() != b.DedupKey() {
		t.Error("same id and sent_at must produce the same key")
	}
	if a.DedupKey() == c.DedupKey() {
		t.Error("different sent_at must produce different keys")
	}
	if len(a.DedupKey()) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a.DedupKey()))
	}
}

func TestSeverity_Rank(t *testing.T) {
	t.Parallel()

	for i, s := range Severities {
		if s.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", s, s.Rank(), i)
		}
		if !s.Known() {
			t.Errorf("%s.Known() = false", s)
		}
	}
	if Severity("bogus").Rank() != SeverityModerate.Rank() {
		t.Error("unknown severity should rank as moderate")
	}
}

func TestTopic(t *testing.T) {
	t.Parallel()

	assertEqual(t, "prefixed", "klaxon/alerts/severe", Topic("klaxon", SeveritySevere))
	assertEqual(t, "trailing slash", "klaxon/alerts/minor", Topic("klaxon/", SeverityMinor))
	assertEqual(t, "no prefix", "alerts/critical", Topic("", SeverityCritical))
}

func TestNotification_RoundTripFields(t *testing.T) {
	t.Parallel()

	home := [2]float64{37.5, 127.0}
	n := &Notification{ID: "E1", Severity: SeveritySevere, HomeCoordinates: &home, PolicyMode: "AND"}
	b, err := n.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := DecodeNotification(b)
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	assertEqual(t, "ID", "E1", got.ID)
	if got.HomeCoordinates == nil || *got.HomeCoordinates != home {
		t.Errorf("home = %v, want %v", got.HomeCoordinates, home)
	}
	if got.DistanceKm != nil {
		t.Errorf("distance = %v, want nil", *got.DistanceKm)
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %v, got %v", field, want, got)
	}
}
