// Package metrics defines the Prometheus collectors shared by the
// protocol servers. Collectors are registered at import time via promauto
// and exposed over HTTP by pkg/health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsystem_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailsystem_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsystem_connections_rejected_total",
			Help: "Connections rejected at accept time (blacklisted source addresses)",
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsystem_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsystem_commands_total",
			Help: "Protocol commands processed",
		},
		[]string{"protocol", "command"},
	)
)

// Delivery metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsystem_deliveries_total",
			Help: "Per-recipient inbox deliveries by outcome",
		},
		[]string{"result"},
	)

	MessagesAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsystem_messages_accepted_total",
			Help: "Mail transactions accepted for delivery",
		},
	)

	RecipientsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsystem_recipients_rejected_total",
			Help: "Recipients rejected during the envelope phase",
		},
		[]string{"reason"},
	)

	MessagesExpungedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsystem_messages_expunged_total",
			Help: "Messages physically deleted at retrieval session close",
		},
	)
)
