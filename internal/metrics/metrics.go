package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Collector struct {
	reg *prometheus.Registry

	MessagesReceived prometheus.Counter
	MessagesDropped  *prometheus.CounterVec // reason label: malformed|future|unknown_vehicle|stale|store_error
	IngestDuration   prometheus.Histogram
	InFlight         prometheus.Gauge
	SlowConsumer     prometheus.Counter

	SpeedHistoryErrors prometheus.Counter

	Recomputations     prometheus.Counter
	RecomputeDuration  prometheus.Histogram
	PredictionsWritten prometheus.Counter
	DelayedPredictions prometheus.Counter

	NotificationsSent   *prometheus.CounterVec // type label: approach|delay
	NotificationsFailed *prometheus.CounterVec

	NATSConnected   prometheus.Gauge
	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	PublishDuration prometheus.Histogram

	SimulatedVehicles prometheus.Gauge

	Workers               prometheus.Gauge
	DelayThresholdMinutes prometheus.Gauge
}

func NewCollector(workers int, delayThresholdMinutes float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_messages_received_total",
			Help: "Telemetry messages received from the feed.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_messages_dropped_total",
			Help: "Telemetry messages dropped, by reason.",
		}, []string{"reason"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_ingest_duration_seconds",
			Help:    "Time from message receipt to the end of dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_ingest_in_flight",
			Help: "Messages currently being processed.",
		}),
		SlowConsumer: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_slow_consumer_total",
			Help: "Slow consumer events reported by NATS (messages dropped by the client).",
		}),
		SpeedHistoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_speed_history_errors_total",
			Help: "Failed speed history appends.",
		}),
		Recomputations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_eta_recomputations_total",
			Help: "ETA recomputations run.",
		}),
		RecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_eta_recompute_duration_seconds",
			Help:    "Duration of one ETA recomputation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PredictionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_eta_predictions_written_total",
			Help: "Predictions created or replaced.",
		}),
		DelayedPredictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_eta_delayed_predictions_total",
			Help: "Predictions written with the delay flag set.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_notifications_sent_total",
			Help: "Push notifications delivered to the gateway, by type.",
		}, []string{"type"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_notifications_failed_total",
			Help: "Push notifications the gateway rejected, by type.",
		}, []string{"type"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published by the simulator.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SimulatedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_simulated_vehicles",
			Help: "Vehicles currently driven by the simulator.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_ingest_workers",
			Help: "Maximum concurrent message handlers.",
		}),
		DelayThresholdMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_delay_threshold_minutes",
			Help: "Configured delay threshold in minutes.",
		}),
	}

	reg.MustRegister(
		c.MessagesReceived, c.MessagesDropped, c.IngestDuration, c.InFlight, c.SlowConsumer,
		c.SpeedHistoryErrors,
		c.Recomputations, c.RecomputeDuration, c.PredictionsWritten, c.DelayedPredictions,
		c.NotificationsSent, c.NotificationsFailed,
		c.NATSConnected, c.NATSPublished, c.NATSPublishErrs, c.PublishDuration,
		c.SimulatedVehicles, c.Workers, c.DelayThresholdMinutes,
	)

	c.Workers.Set(float64(workers))
	c.DelayThresholdMinutes.Set(delayThresholdMinutes)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}

// The methods below adapt the collector to the small metrics interfaces of
// the pipeline packages.

func (c *Collector) Received()             { c.MessagesReceived.Inc() }
func (c *Collector) Dropped(reason string) { c.MessagesDropped.WithLabelValues(reason).Inc() }
func (c *Collector) IngestObserve(d time.Duration) {
	c.IngestDuration.Observe(d.Seconds())
}
func (c *Collector) InFlightAdd(n int)     { c.InFlight.Add(float64(n)) }
func (c *Collector) SlowConsumerInc()      { c.SlowConsumer.Inc() }
func (c *Collector) SpeedHistoryErrorInc() { c.SpeedHistoryErrors.Inc() }

func (c *Collector) RecomputeObserve(d time.Duration) {
	c.Recomputations.Inc()
	c.RecomputeDuration.Observe(d.Seconds())
}
func (c *Collector) PredictionsWrittenAdd(n int) { c.PredictionsWritten.Add(float64(n)) }
func (c *Collector) DelayedPredictionsAdd(n int) { c.DelayedPredictions.Add(float64(n)) }

func (c *Collector) NotificationSent(kind string) { c.NotificationsSent.WithLabelValues(kind).Inc() }
func (c *Collector) NotificationFailed(kind string) {
	c.NotificationsFailed.WithLabelValues(kind).Inc()
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
func (c *Collector) SimulatedVehiclesAdd(n int) { c.SimulatedVehicles.Add(float64(n)) }
