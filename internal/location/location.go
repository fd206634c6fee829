// Package location provides the reference location the policy measures
// alert geometry against: a fixed point from configuration, or the home
// zone of a Home Assistant instance refreshed in the background.
package location

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/geo"
)

// Static is a fixed location. The zero value has no location.
type Static struct {
	p  geo.LatLon
	ok bool
}

// NewStatic returns p as a Static location, or an empty one when p is nil
// or out of range.
func NewStatic(p *geo.LatLon) Static {
	if p == nil || !p.Valid() {
		return Static{}
	}
	return Static{p: *p, ok: true}
}

// Location implements the pipeline locator.
func (s Static) Location(context.Context) (geo.LatLon, bool) {
	return s.p, s.ok
}

// Fetcher looks up the current location.
type Fetcher interface {
	Fetch(ctx context.Context) (geo.LatLon, error)
}

// Cached serves the last successfully fetched location and refreshes it on
// an interval. Failed refreshes keep the previous fix.
type Cached struct {
	f        Fetcher
	interval time.Duration
	logger   log.Logger

	mu      sync.RWMutex
	p       geo.LatLon
	ok      bool
	fetched time.Time
}

// NewCached wraps f. Call Refresh once before serving, then Run.
func NewCached(f Fetcher, interval time.Duration, logger log.Logger) *Cached {
	if logger == nil {
		logger = log.Nop()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Cached{f: f, interval: interval, logger: logger.With("component", "location")}
}

// Refresh fetches a new fix.
func (c *Cached) Refresh(ctx context.Context) error {
	p, err := c.f.Fetch(ctx)
	if err != nil {
		c.mu.RLock()
		had := c.ok
		c.mu.RUnlock()
		c.logger.Warn(ctx, "reference location refresh failed", "error", err, "keeping_previous", had)
		return err
	}

	c.mu.Lock()
	changed := !c.ok || c.p != p
	c.p, c.ok, c.fetched = p, true, time.Now()
	c.mu.Unlock()

	if changed {
		c.logger.Info(ctx, "reference location updated", "lat", p.Lat, "lon", p.Lon)
	}
	return nil
}

// Run refreshes every interval until ctx is done.
func (c *Cached) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Location returns the last good fix.
func (c *Cached) Location(context.Context) (geo.LatLon, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p, c.ok
}

// Locator is anything that can report the reference location.
type Locator interface {
	Location(ctx context.Context) (geo.LatLon, bool)
}

// First returns the first location any of ls reports. It lets a configured
// home stand in until a live source has produced a fix.
type First []Locator

// Location implements the pipeline locator.
func (f First) Location(ctx context.Context) (geo.LatLon, bool) {
	for _, l := range f {
		if p, ok := l.Location(ctx); ok {
			return p, true
		}
	}
	return geo.LatLon{}, false
}
