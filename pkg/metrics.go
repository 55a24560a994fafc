package pkg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define Metrics
var (
	activeMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_active_machines",
		Help: "The total number of currently running machine containers",
	})
	deployOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_deploy_ops_total",
		Help: "The total number of machine deployment operations attempted",
	})
	machinesPerOwner = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_active_machines_owner",
			Help: "Active machines per owner",
		},
		[]string{"owner_id"},
	)
	flagSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_flag_submissions_total",
			Help: "Total number of flag submissions by outcome",
		},
		[]string{"result"},
	)
)
