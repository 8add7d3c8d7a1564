// Package metrics 定义实时广播引擎的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 连接网关
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Current number of authenticated websocket connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Total number of websocket connections rejected during the handshake",
		},
		[]string{"reason"}, // "missing_token", "invalid_token", "inactive_account", "auth_timeout"
	)

	ClientEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_client_events_total",
			Help: "Total number of client control events by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: "ok", "invalid", "rate_limited"
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Current number of rooms with at least one local member",
		},
	)

	// 批量合并
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_batches_flushed_total",
			Help: "Total number of batches emitted by the coalescer",
		},
		[]string{"trigger"}, // "size", "timer", "manual", "drain"
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_batch_size",
			Help:    "Number of events per emitted batch",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 40, 50},
		},
	)

	ConsumerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_batch_consumer_panics_total",
			Help: "Total number of recovered panics in batch consumers",
		},
	)

	// 广播
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_sent_total",
			Help: "Total number of messages queued to connections",
		},
		[]string{"event"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_dropped_total",
			Help: "Total number of messages dropped for stale or slow connections",
		},
		[]string{"event"},
	)

	// Relay
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_messages_total",
			Help: "Total number of relay messages by direction and outcome",
		},
		[]string{"direction", "outcome"}, // direction: "publish", "receive"; outcome: "ok", "error", "self_echo"
	)

	// 共享存储
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_store_errors_total",
			Help: "Total number of swallowed shared store errors by operation",
		},
		[]string{"operation"},
	)

	// 滥用检测
	AbuseDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_abuse_decisions_total",
			Help: "Total number of paint admission decisions",
		},
		[]string{"decision"}, // "allowed", "cooldown", "suspicious", "too_many_warnings"
	)

	AbuseCheckFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_abuse_check_fail_open_total",
			Help: "Total number of abuse checks that passed because their data source failed",
		},
		[]string{"check"},
	)

	AbuseTrackedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_abuse_tracked_users",
			Help: "Current number of users with abuse state",
		},
	)
)
