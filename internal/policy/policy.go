// Package policy decides whether an alert warrants a local notification by
// combining a severity threshold with geographic proximity to a reference
// location.
package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/geo"
)

// Mode combines the severity and geographic tests.
type Mode string

const (
	ModeAnd Mode = "AND"
	ModeOr  Mode = "OR"
)

// ParseMode accepts "and"/"or" in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeAnd, ModeOr:
		return m, nil
	}
	return "", fmt.Errorf("invalid policy mode %q (must be AND or OR)", s)
}

// Config holds the evaluation thresholds.
type Config struct {
	SeverityThreshold   alert.Severity
	DistanceThresholdKm float64
	PolygonBufferKm     float64
	Mode                Mode
}

// DefaultConfig returns moderate/5km/0km/AND.
func DefaultConfig() Config {
	return Config{
		SeverityThreshold:   alert.SeverityModerate,
		DistanceThresholdKm: 5.0,
		PolygonBufferKm:     0,
		Mode:                ModeAnd,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	var errs []error
	if !c.SeverityThreshold.Known() {
		errs = append(errs, fmt.Errorf("invalid severity threshold %q", c.SeverityThreshold))
	}
	if c.Mode != ModeAnd && c.Mode != ModeOr {
		errs = append(errs, fmt.Errorf("invalid policy mode %q (must be AND or OR)", c.Mode))
	}
	if c.DistanceThresholdKm < 0 {
		errs = append(errs, fmt.Errorf("invalid distance threshold %v (must be >= 0)", c.DistanceThresholdKm))
	}
	if c.PolygonBufferKm < 0 {
		errs = append(errs, fmt.Errorf("invalid polygon buffer %v (must be >= 0)", c.PolygonBufferKm))
	}
	return errors.Join(errs...)
}

// Decision is the immutable outcome of an evaluation.
type Decision struct {
	Trigger bool
	Reason  string
	Level   alert.Severity
	// DistanceKm is the nearest point-area distance computed, if any.
	DistanceKm *float64
}

// Evaluate applies cfg to ev. ref may be nil; an invalid ref is treated as
// absent. Evaluate performs no I/O.
func Evaluate(ev *alert.Event, ref *geo.LatLon, cfg Config) Decision {
	sevOK := ev.Severity.Rank() >= cfg.SeverityThreshold.Rank()
	g := evaluateGeo(ev.Areas, ref, cfg)

	var trigger bool
	if cfg.Mode == ModeOr {
		trigger = sevOK || g.match
	} else {
		trigger = sevOK && g.match
	}

	d := Decision{
		Trigger: trigger,
		Level:   ev.Severity,
		Reason:  reason(ev.Severity, cfg, sevOK, g),
	}
	if g.nearest >= 0 {
		dist := g.nearest
		d.DistanceKm = &dist
	}
	return d
}

type geoResult struct {
	match   bool
	reason  string
	nearest float64 // -1 when no point distance was computed
}

func evaluateGeo(areas []alert.Area, ref *geo.LatLon, cfg Config) geoResult {
	res := geoResult{reason: "no_geographic_check", nearest: -1}
	if ref == nil || !ref.Valid() {
		return res
	}

	for _, a := range areas {
		switch a.Geometry.Kind {
		case alert.GeometryPoint:
			if !a.Geometry.Point.Valid() {
				continue
			}
			d := geo.Haversine(*ref, a.Geometry.Point)
			if res.nearest < 0 || d < res.nearest {
				res.nearest = d
			}
			if d <= cfg.DistanceThresholdKm {
				res.match = true
				res.reason = fmt.Sprintf("distance(%.2fkm) <= threshold(%skm)", d, formatKm(cfg.DistanceThresholdKm))
				return res
			}
		case alert.GeometryPolygon:
			if geo.NearPolygon(*ref, a.Geometry.Ring, cfg.PolygonBufferKm) {
				res.match = true
				res.reason = fmt.Sprintf("home_in_polygon_with_buffer(%skm)", formatKm(cfg.PolygonBufferKm))
				return res
			}
		}
	}

	if res.nearest >= 0 {
		res.reason = fmt.Sprintf("distance(%.2fkm) > threshold(%skm)", res.nearest, formatKm(cfg.DistanceThresholdKm))
	} else {
		res.reason = "no_geographic_match"
	}
	return res
}

// reason always names both tests and the mode joining them, so a rejected
// alert still records how far away it was.
func reason(sev alert.Severity, cfg Config, sevOK bool, g geoResult) string {
	cmp := ">="
	if !sevOK {
		cmp = "<"
	}
	return fmt.Sprintf("severity(%s) %s threshold(%s) %s %s", sev, cmp, cfg.SeverityThreshold, cfg.Mode, g.reason)
}

// formatKm prints v the way operators write it in config: 5 -> "5.0",
// 2.5 -> "2.5".
func formatKm(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// Evaluator binds a Config so the pipeline can hold policy as a stage.
type Evaluator struct {
	cfg Config
}

// NewEvaluator returns an Evaluator for cfg.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate applies the bound Config.
func (e *Evaluator) Evaluate(ev *alert.Event, ref *geo.LatLon) Decision {
	return Evaluate(ev, ref, e.cfg)
}

// Mode returns the bound combination mode.
func (e *Evaluator) Mode() Mode {
	return e.cfg.Mode
}
