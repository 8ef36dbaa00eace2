package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leasesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "instrumentality_queue_leases_granted_total",
		Help: "Queue entries leased to data providers.",
	})
	leasesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "instrumentality_queue_leases_released_total",
		Help: "Leases released by a successful submission.",
	})
	leasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "instrumentality_queue_leases_reclaimed_total",
		Help: "Timed-out leases reclaimed by the sweeper.",
	})
	rebinds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "instrumentality_queue_rebinds_total",
		Help: "Queue entries rebound from a username to a confirmed platform ID.",
	})
)
