package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"heraldbot/internal/dispatch"
	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/schedule"
	"heraldbot/internal/storage"
)

// instruments is the event-fed metric set. Everything here is driven off
// the bus; the core never calls the metrics service directly.
type instruments struct {
	dispatchSent    prometheus.Counter
	dispatchSkipped prometheus.Counter
	dispatchFailed  prometheus.Counter
	batchDuration   prometheus.Histogram

	heartbeats prometheus.Counter
	offline    prometheus.Counter
	recovered  prometheus.Counter
	promoted   prometheus.Counter
	failovers  prometheus.Counter

	notifySent    prometheus.Counter
	notifyDropped prometheus.Counter
	notifyFailed  prometheus.Counter

	scheduleDue        prometheus.Gauge
	scheduleDispatched prometheus.Counter
	scheduleFailed     prometheus.Counter
}

func newInstruments(reg prometheus.Registerer, bus eventbus.Bus) *instruments {
	f := promauto.With(reg)
	ins := &instruments{
		dispatchSent: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_dispatch_sent_total",
			Help: "Deliveries that reached their chat.",
		}),
		dispatchSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_dispatch_skipped_total",
			Help: "Deliveries skipped (not admin, forbidden, unsupported media, canceled).",
		}),
		dispatchFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_dispatch_failed_total",
			Help: "Deliveries that failed with a reportable error.",
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "heraldbot_dispatch_batch_duration_seconds",
			Help:    "Wall time of one dispatch batch.",
			Buckets: prometheus.DefBuckets,
		}),
		heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_fleet_heartbeats_total",
			Help: "Liveness marks recorded by this process.",
		}),
		offline: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_fleet_offline_total",
			Help: "Workers demoted to offline.",
		}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_fleet_recovered_total",
			Help: "Workers normalized back to active after recovery.",
		}),
		promoted: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_fleet_promoted_total",
			Help: "Standby workers promoted to active.",
		}),
		failovers: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_fleet_failovers_total",
			Help: "Delivery target reassignments recorded by the supervisor.",
		}),
		notifySent: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_notify_sent_total",
			Help: "Admin alerts delivered.",
		}),
		notifyDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_notify_dropped_total",
			Help: "Admin alerts dropped on a full queue.",
		}),
		notifyFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_notify_failed_total",
			Help: "Admin alert deliveries that failed.",
		}),
		scheduleDue: f.NewGauge(prometheus.GaugeOpts{
			Name: "heraldbot_schedule_due",
			Help: "Content groups due at the last scheduler tick.",
		}),
		scheduleDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_schedule_dispatched_total",
			Help: "Scheduled dispatches completed.",
		}),
		scheduleFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "heraldbot_schedule_failed_total",
			Help: "Scheduled dispatches that returned an error.",
		}),
	}
	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "heraldbot_events_dropped_total",
			Help: "Bus events discarded because a subscriber buffer was full.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return ins
}

func (ins *instruments) handle(ev eventbus.Event) {
	switch ev.Type {
	case "dispatch.sent":
		ins.dispatchSent.Inc()
	case "dispatch.skipped":
		ins.dispatchSkipped.Inc()
	case "dispatch.failed":
		ins.dispatchFailed.Inc()
	case "dispatch.batch":
		if rep, ok := ev.Data.(dispatch.Report); ok {
			ins.batchDuration.Observe(rep.Took.Seconds())
		}
	case "fleet.heartbeat":
		ins.heartbeats.Inc()
	case "fleet.offline":
		ins.offline.Inc()
	case "fleet.recovered":
		ins.recovered.Inc()
	case "fleet.promoted":
		ins.promoted.Inc()
	case "fleet.failover":
		ins.failovers.Inc()
	case "notify.sent":
		ins.notifySent.Inc()
	case "notify.dropped":
		ins.notifyDropped.Inc()
	case "notify.failed":
		ins.notifyFailed.Inc()
	case "schedule.tick":
		if rep, ok := ev.Data.(schedule.TickReport); ok {
			ins.scheduleDue.Set(float64(rep.Due))
			ins.scheduleDispatched.Add(float64(rep.Dispatched))
			ins.scheduleFailed.Add(float64(rep.Failed))
		}
	}
}

// workerCollector reports worker counts by status straight from the store
// at scrape time; transition events alone cannot give absolute counts.
type workerCollector struct {
	store storage.Store
	desc  *prometheus.Desc
}

func newWorkerCollector(store storage.Store) *workerCollector {
	return &workerCollector{
		store: store,
		desc: prometheus.NewDesc("heraldbot_fleet_workers",
			"Registered workers by status.", []string{"status"}, nil),
	}
}

func (w *workerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- w.desc }

func (w *workerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	workers, err := w.store.ListWorkers(ctx)
	if err != nil {
		return
	}
	counts := map[domain.WorkerStatus]int{}
	for _, wk := range workers {
		counts[wk.Status]++
	}
	for _, st := range []domain.WorkerStatus{domain.WorkerActive, domain.WorkerStandby, domain.WorkerOffline} {
		ch <- prometheus.MustNewConstMetric(w.desc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
