package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AllTargetsLabel is the package label of the all-targets usage gauge.
const AllTargetsLabel = "__all__"

var (
	// Accounting metrics
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagetrail_refresh_total",
			Help: "Snapshot refresh attempts by result (committed, discarded, failed, skipped, dropped)",
		},
		[]string{"result"},
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usagetrail_refresh_duration_seconds",
			Help:    "Snapshot refresh duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usagetrail_ticks_total",
			Help: "Total accounting ticks processed",
		},
	)

	InvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagetrail_invalidations_total",
			Help: "Accounting cache invalidations by reason",
		},
		[]string{"reason"},
	)

	TodayUsageSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usagetrail_today_usage_seconds",
			Help: "Usage so far today per target package (__all__ for all targets)",
		},
		[]string{"package"},
	)

	// Event log metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagetrail_events_appended_total",
			Help: "Total timeline events appended by type",
		},
		[]string{"type"},
	)

	EventsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usagetrail_events_purged_total",
			Help: "Total timeline events removed by retention",
		},
	)

	// Projection metrics
	ProjectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usagetrail_projection_duration_seconds",
			Help:    "Timeline projection duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"caller"},
	)

	HistoryCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagetrail_history_cache_lookups_total",
			Help: "Closed-day summary cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		RefreshTotal,
		RefreshDuration,
		TicksTotal,
		InvalidationsTotal,
		TodayUsageSeconds,
		EventsAppendedTotal,
		EventsPurgedTotal,
		ProjectionDuration,
		HistoryCacheLookups,
	)
}

// Server serves /metrics, /health and optionally the API
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. A non-nil api handler is mounted
// under /api/.
func NewServer(addr string, logger zerolog.Logger, api http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if api != nil {
		mux.Handle("/api/", api)
	}

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the server in the background
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP server")
	return s.server.Close()
}
