package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routefeeder_sessions_active",
			Help: "Sessions currently present in the registry.",
		},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routefeeder_sessions_total",
			Help: "Session lifecycle events by event.",
		},
		[]string{"event"},
	)

	AcceptErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routefeeder_accept_errors_total",
			Help: "Accept failures while the listener was open.",
		},
	)

	BGPMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routefeeder_bgp_messages_total",
			Help: "BGP messages by direction and type.",
		},
		[]string{"direction", "type"},
	)

	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routefeeder_refresh_total",
			Help: "Delegation refresh cycles by result.",
		},
		[]string{"result"},
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routefeeder_refresh_duration_seconds",
			Help:    "Delegation refresh latency, fetch through publish.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	Delegations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routefeeder_delegations",
			Help: "Prefixes in the retained delegation snapshot.",
		},
	)

	LastRefreshTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routefeeder_last_refresh_timestamp_seconds",
			Help: "Unix timestamp of the last successful refresh.",
		},
	)

	RoutesChangedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routefeeder_routes_changed_total",
			Help: "Route table changes applied by the synchronizer.",
		},
		[]string{"action"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routefeeder_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routefeeder_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routefeeder_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routefeeder_store_errors_total",
			Help: "Failed snapshot/history writes.",
		},
	)

	KafkaRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routefeeder_kafka_records_total",
			Help: "Route change records produced to Kafka.",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionsActive,
			SessionsTotal,
			AcceptErrorsTotal,
			BGPMessagesTotal,
			RefreshTotal,
			RefreshDuration,
			Delegations,
			LastRefreshTimestamp,
			RoutesChangedTotal,
			ParseErrorsTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			StoreErrorsTotal,
			KafkaRecordsTotal,
		)
	})
}
