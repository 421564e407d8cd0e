package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/vaultsync/internal/chunkstore"
	"github.com/prn-tf/vaultsync/internal/metadb"
)

// Status constants for HealthStatus and ComponentStatus.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the overall health of the engine, generalized from a
// JSON-over-HTTP response body into a plain result struct any caller
// (an HTTP handler, a gRPC health service, a CLI) can render.
type HealthStatus struct {
	Status     string
	Timestamp  time.Time
	Uptime     time.Duration
	Components map[string]ComponentStatus
}

// ComponentStatus is the health of one dependency (metadata DB, chunk
// store).
type ComponentStatus struct {
	Status  string
	Latency time.Duration
	Error   string
}

// HealthChecker checks the engine's dependencies and caches the result
// for cacheTTL, since a check may be called on every liveness probe.
type HealthChecker struct {
	db     metadb.Store
	store  chunkstore.Store
	logger zerolog.Logger

	cacheTTL time.Duration
	start    time.Time

	mu          sync.Mutex
	cached      *HealthStatus
	cacheExpiry time.Time
}

// NewHealthChecker builds a HealthChecker over the engine's metadata DB
// and chunk store. A cacheTTL of 0 disables caching.
func NewHealthChecker(db metadb.Store, store chunkstore.Store, cacheTTL time.Duration, logger zerolog.Logger) *HealthChecker {
	return &HealthChecker{
		db:       db,
		store:    store,
		cacheTTL: cacheTTL,
		start:    time.Now(),
		logger:   logger.With().Str("component", "health").Logger(),
	}
}

// Check returns the current HealthStatus, using the cached result if it
// hasn't expired.
func (h *HealthChecker) Check(ctx context.Context) *HealthStatus {
	h.mu.Lock()
	if h.cached != nil && time.Now().Before(h.cacheExpiry) {
		cached := *h.cached
		h.mu.Unlock()
		return &cached
	}
	h.mu.Unlock()

	status := h.checkComponents(ctx)
	status.Uptime = time.Since(h.start)

	if h.cacheTTL > 0 {
		h.mu.Lock()
		h.cached = status
		h.cacheExpiry = time.Now().Add(h.cacheTTL)
		h.mu.Unlock()
	}
	return status
}

func (h *HealthChecker) checkComponents(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentStatus),
	}

	status.Components["metadb"] = h.checkMetadb(ctx)
	status.Components["chunkstore"] = h.checkChunkStore(ctx)

	for _, comp := range status.Components {
		if comp.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
			break
		}
		if comp.Status == StatusDegraded {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthChecker) checkMetadb(ctx context.Context) ComponentStatus {
	start := time.Now()
	err := h.db.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		h.logger.Warn().Err(err).Msg("metadata db health check failed")
		return ComponentStatus{Status: StatusUnhealthy, Latency: latency, Error: err.Error()}
	}
	status := StatusHealthy
	if latency > 100*time.Millisecond {
		status = StatusDegraded
	}
	return ComponentStatus{Status: status, Latency: latency}
}

func (h *HealthChecker) checkChunkStore(ctx context.Context) ComponentStatus {
	start := time.Now()
	err := h.store.HealthCheck(ctx)
	latency := time.Since(start)
	if err != nil {
		h.logger.Warn().Err(err).Msg("chunk store health check failed")
		return ComponentStatus{Status: StatusUnhealthy, Latency: latency, Error: err.Error()}
	}
	status := StatusHealthy
	if latency > 500*time.Millisecond {
		status = StatusDegraded
	}
	return ComponentStatus{Status: status, Latency: latency}
}
