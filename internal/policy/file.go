package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/geo"
)

// File is the on-disk policy document.
//
//	severity_threshold: severe
//	distance_threshold_km: 10
//	polygon_buffer_km: 1.5
//	mode: OR
//	home:
//	  lat: 37.5665
//	  lon: 126.978
type File struct {
	SeverityThreshold   string      `yaml:"severity_threshold"`
	DistanceThresholdKm *float64    `yaml:"distance_threshold_km"`
	PolygonBufferKm     *float64    `yaml:"polygon_buffer_km"`
	Mode                string      `yaml:"mode"`
	Home                *geo.LatLon `yaml:"home"`
}

// LoadFile reads a policy document from path and overlays it onto base.
// Fields absent from the file keep their base value. The home location, if
// present, is returned separately.
func LoadFile(path string, base Config) (Config, *geo.LatLon, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return base, nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(b, base)
}

// Parse decodes a policy document and overlays it onto base.
func Parse(b []byte, base Config) (Config, *geo.LatLon, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return base, nil, fmt.Errorf("decode policy file: %w", err)
	}

	cfg := base
	if th := strings.ToLower(strings.TrimSpace(f.SeverityThreshold)); th != "" {
		cfg.SeverityThreshold = alert.Severity(th)
	}
	if f.DistanceThresholdKm != nil {
		cfg.DistanceThresholdKm = *f.DistanceThresholdKm
	}
	if f.PolygonBufferKm != nil {
		cfg.PolygonBufferKm = *f.PolygonBufferKm
	}
	if f.Mode != "" {
		m, err := ParseMode(f.Mode)
		if err != nil {
			return base, nil, err
		}
		cfg.Mode = m
	}
	if err := cfg.Validate(); err != nil {
		return base, nil, err
	}
	if f.Home != nil && !f.Home.Valid() {
		return base, nil, fmt.Errorf("invalid home location %v", *f.Home)
	}
	return cfg, f.Home, nil
}
