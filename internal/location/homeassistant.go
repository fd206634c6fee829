package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/klaxon/internal/geo"
)

// DefaultHomeAssistantURL is the core API as seen from a Supervisor add-on.
const DefaultHomeAssistantURL = "http://supervisor/core"

// ErrNoCoordinates is returned when the entity has no usable latitude and
// longitude attributes.
var ErrNoCoordinates = errors.New("entity has no valid coordinates")

// HomeAssistant reads the coordinates of a zone entity from the Home
// Assistant REST API.
type HomeAssistant struct {
	baseURL    string
	token      string
	entity     string
	httpClient *http.Client
}

// NewHomeAssistant returns a client for baseURL authenticating with token.
// An empty entity means zone.home.
func NewHomeAssistant(baseURL, token, entity string) *HomeAssistant {
	if baseURL == "" {
		baseURL = DefaultHomeAssistantURL
	}
	if entity == "" {
		entity = "zone.home"
	}
	return &HomeAssistant{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		entity:  entity,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Fetch returns the entity's latitude and longitude.
func (h *HomeAssistant) Fetch(ctx context.Context) (geo.LatLon, error) {
	u, err := url.Parse(h.baseURL + "/api/states/" + url.PathEscape(h.entity))
	if err != nil {
		return geo.LatLon{}, fmt.Errorf("invalid home assistant url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return geo.LatLon{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return geo.LatLon{}, fmt.Errorf("home assistant request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return geo.LatLon{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return geo.LatLon{}, fmt.Errorf("home assistant returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var state struct {
		Attributes struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return geo.LatLon{}, fmt.Errorf("decode state: %w", err)
	}
	a := state.Attributes
	if a.Latitude == nil || a.Longitude == nil {
		return geo.LatLon{}, ErrNoCoordinates
	}
	p := geo.LatLon{Lat: *a.Latitude, Lon: *a.Longitude}
	if !p.Valid() {
		return geo.LatLon{}, ErrNoCoordinates
	}
	return p, nil
}
