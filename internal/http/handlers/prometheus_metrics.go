package handlers

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"cpapsync/internal/store"
)

const namespace = "cpapsync"

// Metrics holds the service collectors. Request metrics are labelled by
// route pattern; room metrics carry a "room" label so /metrics?room=N can
// return one room's series.
type Metrics struct {
	gatherer prometheus.Gatherer

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	samplesTotal  *prometheus.CounterVec
	apneaTotal    *prometheus.CounterVec
	breathingRate *prometheus.GaugeVec
	pressure      *prometheus.GaugeVec
	leak          *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of handled API requests.",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Histogram of API request durations in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"route", "method"},
		),
		samplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_committed_total",
				Help:      "Samples committed per room, pressure changes included.",
			},
			[]string{"room"},
		),
		apneaTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apnea_events_total",
				Help:      "Apnea events detected in uploaded waveforms per room.",
			},
			[]string{"room"},
		),
		breathingRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breathing_rate_bpm",
				Help:      "Breathing rate of the room's current sample.",
			},
			[]string{"room"},
		),
		pressure: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pressure_cmh2o",
				Help:      "CPAP pressure of the room's current sample.",
			},
			[]string{"room"},
		),
		leak: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leak_litres",
				Help:      "Leak estimate of the room's current sample.",
			},
			[]string{"room"},
		),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration,
		m.samplesTotal, m.apneaTotal, m.breathingRate, m.pressure, m.leak)
	return m
}

// TrackOccupancy registers a gauge reporting the number of occupied rooms.
func (m *Metrics) TrackOccupancy(reg prometheus.Registerer, rooms func(context.Context) ([]int, error)) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "occupied_rooms",
			Help:      "Number of rooms with a current sample.",
		},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			rs, err := rooms(ctx)
			if err != nil {
				return 0
			}
			return float64(len(rs))
		},
	))
}

// ObserveCommit is a store commit hook that updates the room series.
func (m *Metrics) ObserveCommit(_ context.Context, s store.Sample) {
	room := roomLabel(s.RoomNumber)
	m.samplesTotal.WithLabelValues(room).Inc()
	m.pressure.WithLabelValues(room).Set(s.PressureCmH2O)
	m.leak.WithLabelValues(room).Set(s.LeakEstimate)
	if s.RateAvailable {
		m.breathingRate.WithLabelValues(room).Set(s.BreathingRate)
	} else {
		m.breathingRate.DeleteLabelValues(room)
	}
}

// ObserveApnea counts apnea events of a freshly analysed upload. Pressure
// changes repeat the previous metrics and are not counted again.
func (m *Metrics) ObserveApnea(room, events int) {
	if events > 0 {
		m.apneaTotal.WithLabelValues(roomLabel(room)).Add(float64(events))
	}
}

// ForgetRoom is a store vacate hook that drops the gauges of the room.
// Counters are kept.
func (m *Metrics) ForgetRoom(_ context.Context, room int) {
	label := roomLabel(room)
	m.breathingRate.DeleteLabelValues(label)
	m.pressure.DeleteLabelValues(label)
	m.leak.DeleteLabelValues(label)
}

// Instrument records request count and latency for h under route.
func (m *Metrics) Instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		h(ctx)
		method := string(ctx.Method())
		m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(ctx.Response.StatusCode())).Inc()
		m.requestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the registry in the Prometheus text format. With
// ?room=N, series labelled with another room are left out; families
// without a room label are always included.
func (m *Metrics) MetricsHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		room := string(ctx.QueryArgs().Peek("room"))
		if room != "" {
			if n, err := strconv.Atoi(room); err != nil || n < 0 {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				ctx.SetBodyString("room must be a non-negative integer")
				return
			}
		}

		metricFamilies, err := m.gatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}
		if room != "" {
			metricFamilies = filterRoom(metricFamilies, room)
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range metricFamilies {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}

func filterRoom(families []*dto.MetricFamily, room string) []*dto.MetricFamily {
	filtered := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		if !hasLabel(mf, "room") {
			filtered = append(filtered, mf)
			continue
		}

		var kept []*dto.Metric
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "room" && l.GetValue() == room {
					kept = append(kept, metric)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}
		filtered = append(filtered, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return filtered
}

func hasLabel(mf *dto.MetricFamily, name string) bool {
	for _, metric := range mf.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() == name {
				return true
			}
		}
	}
	return false
}
