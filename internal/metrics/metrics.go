package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "securechat_connections_open",
			Help: "Currently open websocket connections",
		},
	)

	IdentitiesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_identities_issued_total",
			Help: "Total identities issued",
		},
		[]string{"reason"}, // "first-connection", "restored", "wrong-password", ...
	)

	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "securechat_rooms_active",
			Help: "Currently active private rooms",
		},
	)

	RoomsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_rooms_expired_total",
			Help: "Total rooms expired",
		},
		[]string{"reason"}, // "duration-reached", "empty-session", ...
	)

	// Message metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_messages_total",
			Help: "Total messages accepted",
		},
		[]string{"encrypted"}, // "encrypted" or "plaintext"
	)

	// Consent metrics
	ConsentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_consent_outcomes_total",
			Help: "Total consent request outcomes",
		},
		[]string{"outcome"}, // "accepted", "declined", "expired", "cancelled"
	)

	// Purge metrics
	IdentityPurges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_identity_purges_total",
			Help: "Total identity purges",
		},
		[]string{"reason"}, // "auth-lockout-reset", "panic-reset"
	)

	// Durable store metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_store_errors_total",
			Help: "Total best-effort durable store failures",
		},
		[]string{"operation"},
	)
)
