package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-intensity/internal/model"
)

// Metrics holds all Prometheus metrics for the intensity engine.
type Metrics struct {
	registry *prometheus.Registry

	BooksTotal        prometheus.Counter
	BooksRejected     prometheus.Counter // insufficient depth
	SamplesDegenerate prometheus.Counter
	SamplesPartial    prometheus.Counter // fitted from one side only
	ResultsTotal      prometheus.Counter
	FitDur            prometheus.Histogram
	BookLag           prometheus.Gauge

	// Latest estimate per instrument
	Alpha *prometheus.GaugeVec // labels: instrument
	Kappa *prometheus.GaugeVec // labels: instrument

	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// PEL reclaim
	PELMessagesReclaimed prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	SnapshotsTotal *prometheus.CounterVec // labels: target=redis|sqlite
	ConfigReloads  prometheus.Counter
	WSClients      prometheus.Gauge
}

// NewMetrics creates all metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BooksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_books_total",
			Help: "Total order book snapshots processed",
		}),
		BooksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_books_rejected_total",
			Help: "Books rejected for having fewer than two levels on a side",
		}),
		SamplesDegenerate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_samples_degenerate_total",
			Help: "Samples dropped because no side could be fitted",
		}),
		SamplesPartial: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_samples_partial_total",
			Help: "Samples accepted from a single healthy side",
		}),
		ResultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_results_total",
			Help: "Total intensity results emitted",
		}),
		FitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intensity_fit_duration_seconds",
			Help:    "Fit and window update latency per book",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		BookLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intensity_book_lag_seconds",
			Help: "Lag between book timestamp and processing time",
		}),

		Alpha: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intensity_alpha",
			Help: "Current smoothed alpha per instrument",
		}, []string{"instrument"}),
		Kappa: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intensity_kappa",
			Help: "Current smoothed kappa per instrument",
		}, []string{"instrument"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intensity_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intensity_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_pel_messages_reclaimed_total",
			Help: "Messages reclaimed from dead consumers via XCLAIM",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intensity_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_redis_buffered_writes_total",
			Help: "Results buffered locally while the Redis circuit breaker was open",
		}),

		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intensity_snapshots_total",
			Help: "Engine snapshots written (by target)",
		}, []string{"target"}),
		ConfigReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intensity_config_reloads_total",
			Help: "Indicator config reloads applied",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intensity_ws_clients",
			Help: "Connected WebSocket clients",
		}),
	}

	m.registry.MustRegister(
		m.BooksTotal,
		m.BooksRejected,
		m.SamplesDegenerate,
		m.SamplesPartial,
		m.ResultsTotal,
		m.FitDur,
		m.BookLag,
		m.Alpha,
		m.Kappa,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.PELMessagesReclaimed,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.SnapshotsTotal,
		m.ConfigReloads,
		m.WSClients,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveResult records the latest estimate of a ready result.
func (m *Metrics) ObserveResult(res model.IntensityResult) {
	m.ResultsTotal.Inc()
	if !res.Ready {
		return
	}
	key := res.Key()
	m.Alpha.WithLabelValues(key).Set(res.Alpha)
	m.Kappa.WithLabelValues(key).Set(res.Kappa)
	if !res.TS.IsZero() {
		m.BookLag.Set(time.Since(res.TS).Seconds())
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	EngineOK       bool      `json:"engine_ok"`
	LastBookTime   time.Time `json:"last_book_time"`
	Instruments    int       `json:"instruments"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetEngineOK(v bool) {
	h.mu.Lock()
	h.EngineOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBookTime(t time.Time) {
	h.mu.Lock()
	h.LastBookTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInstruments(n int) {
	h.mu.Lock()
	h.Instruments = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// SQLite is an archive; losing it degrades but never fails the service.
	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.SQLiteOK {
		overallStatus = "degraded"
	}
	if !h.RedisConnected || !h.EngineOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	bookAge := ""
	if !h.LastBookTime.IsZero() {
		bookAge = time.Since(h.LastBookTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		LastBookTime    string  `json:"last_book_time"`
		BookAge         string  `json:"book_age"`
		Instruments     int     `json:"instruments"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		EngineOK        bool    `json:"engine_ok"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastBookTime:    h.LastBookTime.Format(time.RFC3339),
		BookAge:         bookAge,
		Instruments:     h.Instruments,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		EngineOK:        h.EngineOK,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
