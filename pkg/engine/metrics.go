package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "task_commands_total",
		Help: "Task lifecycle commands by command and result",
	},
	[]string{"command", "result"},
)
