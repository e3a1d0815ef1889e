// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes server metrics to Prometheus and builds the
// process logger.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	modbus "github.com/edgeo-scada/modbus-router"
)

const namespace = "mbrouter"

// Collector exports a modbus.ServerMetrics snapshot on every scrape.
type Collector struct {
	metrics *modbus.ServerMetrics

	requests    *prometheus.Desc
	errors      *prometheus.Desc
	activeConns *prometheus.Desc
	totalConns  *prometheus.Desc
	rejected    *prometheus.Desc
	funcReqs    *prometheus.Desc
	funcExc     *prometheus.Desc
	exceptions  *prometheus.Desc
	latency     *prometheus.Desc
}

// NewCollector creates a Collector over m.
func NewCollector(m *modbus.ServerMetrics) *Collector {
	return &Collector{
		metrics: m,
		requests: prometheus.NewDesc(namespace+"_requests_total",
			"Requests answered, by outcome.", []string{"outcome"}, nil),
		errors: prometheus.NewDesc(namespace+"_request_errors_total",
			"Requests dropped without a response.", nil, nil),
		activeConns: prometheus.NewDesc(namespace+"_active_connections",
			"Currently open client connections.", nil, nil),
		totalConns: prometheus.NewDesc(namespace+"_connections_total",
			"Client connections accepted.", nil, nil),
		rejected: prometheus.NewDesc(namespace+"_connections_rejected_total",
			"Client connections refused at the connection limit.", nil, nil),
		funcReqs: prometheus.NewDesc(namespace+"_function_requests_total",
			"Requests answered, by function code.", []string{"function"}, nil),
		funcExc: prometheus.NewDesc(namespace+"_function_exceptions_total",
			"Exception responses, by function code.", []string{"function"}, nil),
		exceptions: prometheus.NewDesc(namespace+"_exceptions_total",
			"Exception responses, by exception code.", []string{"code"}, nil),
		latency: prometheus.NewDesc(namespace+"_request_duration_milliseconds",
			"Request dispatch latency in milliseconds.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.errors
	ch <- c.activeConns
	ch <- c.totalConns
	ch <- c.rejected
	ch <- c.funcReqs
	ch <- c.funcExc
	ch <- c.exceptions
	ch <- c.latency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue,
		float64(m.RequestsSuccess.Value()), "success")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue,
		float64(m.RequestsExceptions.Value()), "exception")
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue,
		float64(m.RequestsErrors.Value()))
	ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue,
		float64(m.ActiveConns.Value()))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.CounterValue,
		float64(m.TotalConns.Value()))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue,
		float64(m.RejectedConns.Value()))

	for _, fc := range m.Functions() {
		fm := m.ForFunction(fc)
		ch <- prometheus.MustNewConstMetric(c.funcReqs, prometheus.CounterValue,
			float64(fm.Requests.Value()), fc.String())
		ch <- prometheus.MustNewConstMetric(c.funcExc, prometheus.CounterValue,
			float64(fm.Exceptions.Value()), fc.String())
	}
	for ec, n := range m.Exceptions() {
		ch <- prometheus.MustNewConstMetric(c.exceptions, prometheus.CounterValue,
			float64(n), ec.String())
	}

	stats := m.Latency.Stats()
	ch <- prometheus.MustNewConstHistogram(c.latency,
		uint64(stats.Count), stats.Sum, cumulativeBuckets(stats))
}

// cumulativeBuckets converts the raw bucket counts into Prometheus'
// cumulative form. The last bucket also holds observations above every
// bound, so it is left to the implicit +Inf bucket.
func cumulativeBuckets(stats modbus.LatencyStats) map[float64]uint64 {
	buckets := make(map[float64]uint64, len(stats.Bounds))
	var total uint64
	for i := 0; i < len(stats.Bounds)-1 && i < len(stats.Counts); i++ {
		total += uint64(stats.Counts[i])
		buckets[stats.Bounds[i]] = total
	}
	return buckets
}

// NewRegistry returns a registry holding the server collector, a route
// count gauge and the Go runtime collectors.
func NewRegistry(server *modbus.Server) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(server.Metrics()))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := server.Router()
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "routes",
		Help:      "Routes registered on the server router.",
	}, func() float64 {
		return float64(router.Len())
	})
	return reg
}

// MetricsServer serves a registry over HTTP.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewMetricsServer creates a metrics HTTP server for reg on addr, serving
// the registry at path.
func NewMetricsServer(addr, path string, reg *prometheus.Registry, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve serves on l until Shutdown is called.
func (s *MetricsServer) Serve(l net.Listener) error {
	s.logger.Info("metrics server started", slog.String("addr", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *MetricsServer) ListenAndServe() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
