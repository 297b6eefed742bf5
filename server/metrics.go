package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ksunira_rooms_active",
		Help: "Rooms currently held in memory",
	})

	metricClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ksunira_clients_connected",
		Help: "Websocket connections currently joined to a room",
	})

	metricMessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ksunira_messages_relayed_total",
		Help: "Messages fanned out to room members, by type",
	}, []string{"type"})

	metricClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ksunira_clients_dropped_total",
		Help: "Connections dropped because their send queue was full",
	})

	metricAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ksunira_advance_total",
		Help: "Advance attempts by outcome (popped, empty, rejected)",
	}, []string{"outcome"})

	metricQueueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ksunira_queue_operations_total",
		Help: "Queue operations by kind and result",
	}, []string{"op", "result"})
)
