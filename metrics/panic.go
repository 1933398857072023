package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mtacore_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Pkg is the package an unhandled panic was recovered in.
type Pkg string

const (
	Mimecvt Pkg = "mimecvt"
)

// PanicInc increases the counter for unhandled panics. Called from recover
// handlers before re-raising a panic that is not a known error value.
func PanicInc(pkg Pkg) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
