// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vca_lbp_operations_total",
			Help: "Number of boot protocol operations by result",
		},
		[]string{"op", "result"},
	)

	OperationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vca_lbp_operation_seconds",
			Help:    "Boot protocol operation latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"op"},
	)

	Chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vca_lbp_transfer_chunks_total",
			Help: "Number of image chunks copied by path",
		},
		[]string{"path"},
	)

	TransferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vca_lbp_transfer_bytes_total",
			Help: "Number of image bytes copied to cards",
		},
	)
)

// Collectors of this package, for registration by the daemon.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Operations,
		OperationSeconds,
		Chunks,
		TransferBytes,
	}
}

func (c *Context) observe(op string, start time.Time, err *error) {
	Operations.WithLabelValues(op, CodeOf(*err).String()).Inc()
	OperationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
