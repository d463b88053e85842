package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var StageRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atmigrate_stage_runs_total",
	Help: "Count of stage runner invocations by outcome",
}, []string{"stage", "result"})

var TransferSlotsHeld = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "atmigrate_transfer_slots_held",
	Help: "Heavy-transfer slots currently held across all migrations",
})
