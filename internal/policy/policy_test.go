package policy

import (
	"math"
	"strings"
	"testing"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/geo"
)

var seoulCityHall = geo.LatLon{Lat: 37.5665, Lon: 126.978}

func pointArea(lat, lon float64) alert.Area {
	return alert.Area{Geometry: alert.Geometry{Kind: alert.GeometryPoint, Point: geo.LatLon{Lat: lat, Lon: lon}}}
}

func boxArea(minLon, minLat, maxLon, maxLat float64) alert.Area {
	return alert.Area{Geometry: alert.Geometry{Kind: alert.GeometryPolygon, Ring: []geo.LatLon{
		{Lat: minLat, Lon: minLon}, {Lat: minLat, Lon: maxLon},
		{Lat: maxLat, Lon: maxLon}, {Lat: maxLat, Lon: minLon},
	}}}
}

func cfgWith(threshold alert.Severity, mode Mode) Config {
	c := DefaultConfig()
	c.SeverityThreshold = threshold
	c.Mode = mode
	return c
}

func TestEvaluate_SeverityReflexive(t *testing.T) {
	t.Parallel()

	for _, s := range alert.Severities {
		ev := &alert.Event{EventID: "e", Severity: s}
		d := Evaluate(ev, nil, cfgWith(s, ModeOr))
		if !d.Trigger {
			t.Errorf("severity %s with threshold %s should trigger, reason %q", s, s, d.Reason)
		}
	}
}

func TestEvaluate_CriticalAlwaysPasses(t *testing.T) {
	t.Parallel()

	ev := &alert.Event{EventID: "e", Severity: alert.SeverityCritical}
	for _, th := range alert.Severities {
		if d := Evaluate(ev, nil, cfgWith(th, ModeOr)); !d.Trigger {
			t.Errorf("critical should pass threshold %s", th)
		}
	}
}

func TestEvaluate_BelowThreshold(t *testing.T) {
	t.Parallel()

	ev := &alert.Event{EventID: "e", Severity: alert.SeverityMinor}
	d := Evaluate(ev, nil, cfgWith(alert.SeverityModerate, ModeOr))
	if d.Trigger {
		t.Fatal("minor should not pass moderate threshold")
	}
	assertEqual(t, "reason", "severity(minor) < threshold(moderate) OR no_geographic_check", d.Reason)
}

func TestEvaluate_AndOrContract(t *testing.T) {
	t.Parallel()

	// Severity passes, geography fails (point ~325km away).
	ev := &alert.Event{
		EventID:  "e",
		Severity: alert.SeveritySevere,
		Areas:    []alert.Area{pointArea(35.1796, 129.0756)},
	}
	ref := seoulCityHall

	and := Evaluate(ev, &ref, cfgWith(alert.SeverityModerate, ModeAnd))
	if and.Trigger {
		t.Errorf("AND with failing geo should not trigger, reason %q", and.Reason)
	}
	if !strings.HasPrefix(and.Reason, "severity(severe) >= threshold(moderate) AND distance(") {
		t.Errorf("AND reason = %q", and.Reason)
	}

	or := Evaluate(ev, &ref, cfgWith(alert.SeverityModerate, ModeOr))
	if !or.Trigger {
		t.Errorf("OR with passing severity should trigger, reason %q", or.Reason)
	}
	if !strings.HasPrefix(or.Reason, "severity(severe) >= threshold(moderate) OR distance(") {
		t.Errorf("OR reason = %q", or.Reason)
	}
}

func TestEvaluate_NoReferenceLocation(t *testing.T) {
	t.Parallel()

	// Scenario: severe event, moderate threshold, OR mode, no reference.
	ev := &alert.Event{EventID: "E1", SentAt: "2025-01-01T00:00:00Z", Severity: alert.SeveritySevere}

	or := Evaluate(ev, nil, cfgWith(alert.SeverityModerate, ModeOr))
	if !or.Trigger {
		t.Fatal("OR without reference should trigger on severity alone")
	}
	assertEqual(t, "OR reason", "severity(severe) >= threshold(moderate) OR no_geographic_check", or.Reason)
	assertEqual(t, "level", alert.SeveritySevere, or.Level)

	and := Evaluate(ev, nil, cfgWith(alert.SeverityModerate, ModeAnd))
	if and.Trigger {
		t.Fatal("AND without reference must not trigger")
	}
	assertEqual(t, "AND reason", "severity(severe) >= threshold(moderate) AND no_geographic_check", and.Reason)
}

func TestEvaluate_InvalidReferenceTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	ev := &alert.Event{EventID: "e", Severity: alert.SeverityCritical, Areas: []alert.Area{pointArea(0, 0)}}
	bad := geo.LatLon{Lat: 120, Lon: 0}

	if d := Evaluate(ev, &bad, cfgWith(alert.SeverityMinor, ModeAnd)); d.Trigger {
		t.Error("invalid reference under AND should not trigger")
	}
	d := Evaluate(ev, &bad, cfgWith(alert.SeverityMinor, ModeOr))
	if !d.Trigger {
		t.Error("invalid reference under OR should degrade to severity-only")
	}
	if d.DistanceKm != nil {
		t.Error("no distance should be computed without a valid reference")
	}
}

func TestEvaluate_PointAtReference(t *testing.T) {
	t.Parallel()

	// Point area at (lon=126.978, lat=37.5665), reference (37.5665, 126.978).
	ev := &alert.Event{
		EventID:  "E3",
		Severity: alert.SeveritySevere,
		Areas:    []alert.Area{pointArea(37.5665, 126.978)},
	}
	ref := seoulCityHall
	cfg := cfgWith(alert.SeverityModerate, ModeAnd)
	cfg.DistanceThresholdKm = 5.0

	d := Evaluate(ev, &ref, cfg)
	if !d.Trigger {
		t.Fatalf("expected trigger, reason %q", d.Reason)
	}
	if d.DistanceKm == nil || math.Abs(*d.DistanceKm) > 1e-9 {
		t.Fatalf("distance = %v, want ~0", d.DistanceKm)
	}
	assertEqual(t, "reason", "severity(severe) >= threshold(moderate) AND distance(0.00km) <= threshold(5.0km)", d.Reason)
}

func TestEvaluate_ZeroDistanceThreshold(t *testing.T) {
	t.Parallel()

	ref := seoulCityHall
	cfg := cfgWith(alert.SeverityMinor, ModeAnd)
	cfg.DistanceThresholdKm = 0

	exact := &alert.Event{EventID: "a", Severity: alert.SeverityMinor, Areas: []alert.Area{pointArea(ref.Lat, ref.Lon)}}
	if d := Evaluate(exact, &ref, cfg); !d.Trigger {
		t.Errorf("exact coincidence should match with zero threshold, reason %q", d.Reason)
	}

	near := &alert.Event{EventID: "b", Severity: alert.SeverityMinor, Areas: []alert.Area{pointArea(ref.Lat+0.0001, ref.Lon)}}
	if d := Evaluate(near, &ref, cfg); d.Trigger {
		t.Error("non-coincident point should not match with zero threshold")
	}
}

func TestEvaluate_Polygon(t *testing.T) {
	t.Parallel()

	ref := seoulCityHall
	cfg := cfgWith(alert.SeverityModerate, ModeAnd)

	inside := &alert.Event{EventID: "p", Severity: alert.SeverityModerate, Areas: []alert.Area{boxArea(126, 37, 128, 38)}}
	d := Evaluate(inside, &ref, cfg)
	if !d.Trigger {
		t.Fatalf("reference inside polygon should trigger, reason %q", d.Reason)
	}
	assertEqual(t, "reason", "severity(moderate) >= threshold(moderate) AND home_in_polygon_with_buffer(0.0km)", d.Reason)

	// Polygon whose nearest vertex is ~2.2 km east of the reference.
	outside := &alert.Event{EventID: "q", Severity: alert.SeverityModerate, Areas: []alert.Area{boxArea(127.003, 37.5665, 127.1, 37.7)}}
	if d := Evaluate(outside, &ref, cfg); d.Trigger {
		t.Errorf("outside polygon without buffer should not trigger, reason %q", d.Reason)
	}

	cfg.PolygonBufferKm = 3
	d = Evaluate(outside, &ref, cfg)
	if !d.Trigger {
		t.Errorf("buffer should reach nearest vertex, reason %q", d.Reason)
	}
	assertEqual(t, "buffer reason", "severity(moderate) >= threshold(moderate) AND home_in_polygon_with_buffer(3.0km)", d.Reason)
}

func TestEvaluate_FirstMatchingAreaWins(t *testing.T) {
	t.Parallel()

	ref := seoulCityHall
	ev := &alert.Event{
		EventID:  "m",
		Severity: alert.SeverityCritical,
		Areas: []alert.Area{
			{Name: "no geometry"},
			pointArea(35.1796, 129.0756),
			pointArea(37.57, 126.98),
			boxArea(126, 37, 128, 38),
		},
	}
	d := Evaluate(ev, &ref, cfgWith(alert.SeverityModerate, ModeAnd))
	if !d.Trigger {
		t.Fatalf("expected trigger, reason %q", d.Reason)
	}
	if !strings.Contains(d.Reason, "AND distance(0.") {
		t.Errorf("reason = %q, want the near point to match first", d.Reason)
	}
}

func TestEvaluate_EmptyAreas(t *testing.T) {
	t.Parallel()

	ref := seoulCityHall
	ev := &alert.Event{EventID: "x", Severity: alert.SeverityCritical}
	d := Evaluate(ev, &ref, cfgWith(alert.SeverityMinor, ModeAnd))
	if d.Trigger {
		t.Fatal("empty areas must fail the geographic test")
	}
	assertEqual(t, "reason", "severity(critical) >= threshold(minor) AND no_geographic_match", d.Reason)
}

func TestEvaluate_GeoOnlyUnderOr(t *testing.T) {
	t.Parallel()

	ref := seoulCityHall
	ev := &alert.Event{EventID: "g", Severity: alert.SeverityMinor, Areas: []alert.Area{pointArea(37.5665, 126.978)}}
	d := Evaluate(ev, &ref, cfgWith(alert.SeveritySevere, ModeOr))
	if !d.Trigger {
		t.Fatal("geo match should trigger under OR")
	}
	assertEqual(t, "reason", "severity(minor) < threshold(severe) OR distance(0.00km) <= threshold(5.0km)", d.Reason)

	d = Evaluate(ev, &ref, cfgWith(alert.SeveritySevere, ModeAnd))
	if d.Trigger {
		t.Fatal("severity miss should block under AND")
	}
	assertEqual(t, "AND reason", "severity(minor) < threshold(severe) AND distance(0.00km) <= threshold(5.0km)", d.Reason)
}

func TestEvaluate_RejectedReasonKeepsDistance(t *testing.T) {
	t.Parallel()

	// Minor event ~37km from the reference, moderate threshold.
	ref := seoulCityHall
	ev := &alert.Event{EventID: "r", Severity: alert.SeverityMinor, Areas: []alert.Area{pointArea(37.9, 126.978)}}

	tests := []struct {
		mode Mode
		want string
	}{
		{ModeAnd, "severity(minor) < threshold(moderate) AND distance(37.08km) > threshold(5.0km)"},
		{ModeOr, "severity(minor) < threshold(moderate) OR distance(37.08km) > threshold(5.0km)"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			t.Parallel()

			d := Evaluate(ev, &ref, cfgWith(alert.SeverityModerate, tt.mode))
			if d.Trigger {
				t.Fatal("expected rejection")
			}
			assertEqual(t, "reason", tt.want, d.Reason)
			if d.DistanceKm == nil {
				t.Fatal("distance not reported")
			}
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()

	ref := seoulCityHall
	ev := &alert.Event{EventID: "d", Severity: alert.SeveritySevere, Areas: []alert.Area{pointArea(37.6, 127.0)}}
	cfg := cfgWith(alert.SeverityModerate, ModeAnd)
	first := Evaluate(ev, &ref, cfg)
	for i := 0; i < 10; i++ {
		got := Evaluate(ev, &ref, cfg)
		if got.Trigger != first.Trigger || got.Reason != first.Reason {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := Config{SeverityThreshold: "extreme", Mode: "XOR", DistanceThresholdKm: -1, PolygonBufferKm: -2}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"severity threshold", "policy mode", "distance threshold", "polygon buffer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"and": ModeAnd, " OR ": ModeOr, "And": ModeAnd} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("xor"); err == nil {
		t.Error("ParseMode(xor) should fail")
	}
}

func TestEvaluator_BindsConfig(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(cfgWith(alert.SeverityCritical, ModeOr))
	assertEqual(t, "mode", ModeOr, e.Mode())
	if d := e.Evaluate(&alert.Event{EventID: "x", Severity: alert.SeveritySevere}, nil); d.Trigger {
		t.Error("severe should not pass a critical threshold")
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %v, got %v", field, want, got)
	}
}
