// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package vcad

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/platinasystems/vca/internal/awt"
	"github.com/platinasystems/vca/internal/lbp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Segments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vca_awt_segments",
			Help: "Number of address window segments by state",
		},
		[]string{"card", "node", "state"},
	)

	Reclaims = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vca_awt_reclaims",
			Help: "Number of unused window segments reclaimed",
		},
		[]string{"card", "node"},
	)
)

func observe(n *node, st awt.Stats) {
	card, nd := strconv.Itoa(n.Key.Card), strconv.Itoa(n.Key.Node)
	Segments.WithLabelValues(card, nd, "free").Set(float64(st.Free))
	Segments.WithLabelValues(card, nd, "owned").Set(float64(st.Owned))
	Segments.WithLabelValues(card, nd, "member").Set(float64(st.Member))
	Segments.WithLabelValues(card, nd, "unused").Set(float64(st.Unused))
	Reclaims.WithLabelValues(card, nd).Set(float64(st.Reclaims))
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(lbp.Collectors()...)
	reg.MustRegister(Segments, Reclaims)
	return reg
}

// serveMetrics until the context is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(newRegistry(),
		promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
