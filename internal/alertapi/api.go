// Package alertapi exposes the HTTP webhook ingestion endpoint and the
// relay status API.
package alertapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/klaxon/internal/pipeline"
)

// MaxBodyBytes caps an ingest request body.
const MaxBodyBytes = 1 << 20

// StatusProvider reports pipeline state for the status endpoint.
type StatusProvider interface {
	Status(ctx context.Context) pipeline.Status
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	status StatusProvider
	ingest *Ingest
}

// New creates a new API handler. ingest may be nil when alerts arrive over
// a message bus; the ingest route then answers 404.
func New(logger log.Logger, status StatusProvider, ingest *Ingest) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if status == nil {
		panic(xerrors.New("status provider is required"))
	}
	return &API{
		logger: logger,
		status: status,
		ingest: ingest,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.ingest != nil {
			r.Post("/alerts", a.handleIngest)
		}
		r.Get("/status", a.handleStatus)
	})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	payloads, err := splitPayloads(body)
	if err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if len(payloads) == 0 {
		http.Error(w, `{"error":"no alerts"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("klaxon.ingest.count", len(payloads)))

	accepted := 0
	for _, raw := range payloads {
		if err := a.ingest.Offer(r.Context(), raw); err != nil {
			a.logger.Warn(r.Context(), "ingest rejected payload",
				"err", err,
				"accepted", accepted,
				"total", len(payloads),
			)
			w.Header().Set("Retry-After", "5")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":    "ingest unavailable",
				"accepted": accepted,
			})
			return
		}
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.status.Status(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// splitPayloads accepts a single JSON object or an array of objects and
// returns each object's raw bytes. Object contents are not validated here;
// malformed alerts are counted by the pipeline.
func splitPayloads(body []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '{':
		if !json.Valid(trimmed) {
			return nil, errors.New("invalid json object")
		}
		return [][]byte{trimmed}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		out := make([][]byte, 0, len(items))
		for _, it := range items {
			out = append(out, []byte(it))
		}
		return out, nil
	default:
		return nil, errors.New("expected json object or array")
	}
}
