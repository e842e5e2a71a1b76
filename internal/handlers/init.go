package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/decomontenegro/baas-platform-sub000/internal/analytics"
	"github.com/decomontenegro/baas-platform-sub000/internal/breaker"
	"github.com/decomontenegro/baas-platform-sub000/internal/credentials"
	"github.com/decomontenegro/baas-platform-sub000/internal/events"
	"github.com/decomontenegro/baas-platform-sub000/internal/gateway"
	"github.com/decomontenegro/baas-platform-sub000/internal/ratelimit"
	"github.com/decomontenegro/baas-platform-sub000/internal/supervisor"
	"github.com/decomontenegro/baas-platform-sub000/internal/usage"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
)

var (
	db       *sql.DB
	logger   logging.Logger
	metrics  *GatewayMetrics
	gw       *gateway.Gateway
	limiter  *ratelimit.Limiter
	circuits *breaker.Breaker
	creds    *credentials.Pool
	tracker  *usage.Tracker
	super    *supervisor.Supervisor
	agg      *analytics.Aggregator
	bus      *events.Bus
)

// GatewayMetrics holds all Prometheus metrics for the gateway API.
type GatewayMetrics struct {
	CompletionRequests *prometheus.CounterVec
	CompletionLatency  *prometheus.HistogramVec
	TokensProcessed    *prometheus.CounterVec
	AdminActions       *prometheus.CounterVec
	DBQueries          *prometheus.CounterVec
	DBDuration         *prometheus.HistogramVec
	DBConnections      *prometheus.GaugeVec
}

// Services bundles everything the handlers call into.
type Services struct {
	Gateway     *gateway.Gateway
	Limiter     *ratelimit.Limiter
	Breaker     *breaker.Breaker
	Credentials *credentials.Pool
	Tracker     *usage.Tracker
	Supervisor  *supervisor.Supervisor
	Analytics   *analytics.Aggregator
	Events      *events.Bus
}

// Init initializes the handlers with the database, logger, metrics and
// service layer.
func Init(database *sql.DB, log logging.Logger, gatewayMetrics *GatewayMetrics, services Services) {
	db = database
	logger = log
	metrics = gatewayMetrics
	gw = services.Gateway
	limiter = services.Limiter
	circuits = services.Breaker
	creds = services.Credentials
	tracker = services.Tracker
	super = services.Supervisor
	agg = services.Analytics
	bus = services.Events
}
