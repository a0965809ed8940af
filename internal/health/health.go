// Package health maps the state of the document store and the model endpoint
// to readiness statuses and serves the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/valhalla/internal/project"
)

// Status is the state of one dependency, or of the service as a whole.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check names used in reports.
const (
	CheckStore = "store"
	CheckModel = "model"
)

const defaultCheckTimeout = 5 * time.Second

func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// StoreStatus is degraded while the store runs offline and down when an
// attached store stops answering.
func StoreStatus(online bool, h project.StoreHealth) Status {
	switch {
	case !online:
		return StatusDegraded
	case !h.Healthy:
		return StatusDown
	default:
		return StatusOK
	}
}

// ModelStatus is degraded when no model endpoint is configured.
func ModelStatus(configured bool) Status {
	if !configured {
		return StatusDegraded
	}
	return StatusOK
}

// Report is a set of named check results and the worst of them.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Status `json:"checks"`
}

// NewReport builds a report whose Status is the worst of checks. An empty set is ok.
func NewReport(checks map[string]Status) Report {
	r := Report{Status: StatusOK, Checks: make(map[string]Status, len(checks))}
	for name, s := range checks {
		r.Checks[name] = s
		if s.rank() > r.Status.rank() {
			r.Status = s
		}
	}
	return r
}

// Ready reports whether the service can take traffic. Degraded still counts.
func (r Report) Ready() bool {
	return r.Status != StatusDown
}

// StoreProber is the part of the persistence gateway a readiness check needs.
type StoreProber interface {
	Online() bool
	HealthCheck(ctx context.Context) project.StoreHealth
}

// ModelProber is the part of the model gateway a readiness check needs.
type ModelProber interface {
	Configured() bool
}

// Checker answers readiness for the two gateways. It never calls the model.
type Checker struct {
	store   StoreProber
	model   ModelProber
	timeout time.Duration
	logger  zerolog.Logger

	mu   sync.RWMutex
	last Report
}

// NewChecker creates a readiness checker over the store and model gateways.
func NewChecker(store StoreProber, model ModelProber, logger zerolog.Logger) *Checker {
	return &Checker{
		store:   store,
		model:   model,
		timeout: defaultCheckTimeout,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Check pings an attached store and records the resulting report.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	online := c.store.Online()
	var sh project.StoreHealth
	if online {
		sh = c.store.HealthCheck(ctx)
	}

	r := NewReport(map[string]Status{
		CheckStore: StoreStatus(online, sh),
		CheckModel: ModelStatus(c.model.Configured()),
	})
	for name, s := range r.Checks {
		if s != StatusOK {
			c.logger.Warn().Str("check", name).Str("status", string(s)).Msg("health check not ok")
		}
	}

	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
	return r
}

// Last returns the most recent report, or an empty one before the first Check.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NewReport(c.last.Checks)
}

type readinessResponse struct {
	Status  string            `json:"status"`
	Overall Status            `json:"overall"`
	Checks  map[string]Status `json:"checks"`
}

// LivenessHandler serves /healthz.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadinessHandler serves /readyz: 200 while no check is down, 503 otherwise.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		resp := readinessResponse{Status: "ready", Overall: report.Status, Checks: report.Checks}
		code := http.StatusOK
		if !report.Ready() {
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
