package board

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "board_refreshes_total",
			Help: "Board refetches by result",
		},
		[]string{"result"},
	)

	discarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "board_stale_responses_total",
			Help: "Board results dropped because newer state was already applied",
		},
	)
)
