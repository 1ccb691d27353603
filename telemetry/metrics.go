// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PostsSucceeded       prometheus.Counter
	PostsFailed          prometheus.Counter
	DeletesSucceeded     prometheus.Counter
	DeletesFailed        prometheus.Counter
	AnnouncementsEmitted *prometheus.CounterVec // label: edge (enter|exit|change)
	VoiceEventsDropped   prometheus.Counter
	StoreWrites          *prometheus.CounterVec // label: namespace
	StoreWriteFailures   *prometheus.CounterVec // label: namespace
	ReconciledMessages   prometheus.Counter

	// Histograms (seconds)
	RemoteCallDuration *prometheus.HistogramVec // label: op (post|delete)

	// Gauges
	ActiveReminders prometheus.Gauge
	MirroredEntries prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PostsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_posts_succeeded_total", Help: "Number of posts accepted by the remote service"})
		PostsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_posts_failed_total", Help: "Number of posts rejected or failed"})
		DeletesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_deletes_succeeded_total", Help: "Number of remote posts deleted"})
		DeletesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_deletes_failed_total", Help: "Number of remote deletes failed"})
		AnnouncementsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_voice_announcements_total", Help: "Voice occupancy announcements posted"}, []string{"edge"})
		VoiceEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_voice_events_dropped_total", Help: "Voice state events dropped because the channel was already pending"})
		StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_store_writes_total", Help: "Completed key-value document writes"}, []string{"namespace"})
		StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_store_write_failures_total", Help: "Failed key-value document writes"}, []string{"namespace"})
		ReconciledMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_reconciled_messages_total", Help: "Stale mirrored messages removed at startup"})
		RemoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "relay_remote_call_duration_seconds", Help: "Remote service call duration seconds", Buckets: prometheus.DefBuckets}, []string{"op"})
		ActiveReminders = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_voice_reminders_active", Help: "Voice channels with a live re-announcement timer"})
		MirroredEntries = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_mirrored_messages", Help: "Messages currently mapped to a remote post"})
	})
}

// RecordPost counts a post attempt outcome.
func RecordPost(err error) {
	if err != nil {
		if PostsFailed != nil {
			PostsFailed.Inc()
		}
		return
	}
	if PostsSucceeded != nil {
		PostsSucceeded.Inc()
	}
}

// RecordDelete counts a delete attempt outcome.
func RecordDelete(err error) {
	if err != nil {
		if DeletesFailed != nil {
			DeletesFailed.Inc()
		}
		return
	}
	if DeletesSucceeded != nil {
		DeletesSucceeded.Inc()
	}
}

// RecordAnnouncement counts a posted occupancy announcement by edge kind.
func RecordAnnouncement(edge string) {
	if AnnouncementsEmitted != nil {
		AnnouncementsEmitted.WithLabelValues(edge).Inc()
	}
}

// RecordDroppedVoiceEvent counts a voice event absorbed by the per-channel guard.
func RecordDroppedVoiceEvent() {
	if VoiceEventsDropped != nil {
		VoiceEventsDropped.Inc()
	}
}

// RecordStoreWrite counts a document write outcome for a namespace.
func RecordStoreWrite(namespace string, err error) {
	if err != nil {
		if StoreWriteFailures != nil {
			StoreWriteFailures.WithLabelValues(namespace).Inc()
		}
		return
	}
	if StoreWrites != nil {
		StoreWrites.WithLabelValues(namespace).Inc()
	}
}

// RecordReconciled counts a stale mirror removed during reconciliation.
func RecordReconciled() {
	if ReconciledMessages != nil {
		ReconciledMessages.Inc()
	}
}

// SetActiveReminders records the number of live reminder timers.
func SetActiveReminders(n int) {
	if ActiveReminders != nil {
		ActiveReminders.Set(float64(n))
	}
}

// SetMirroredEntries records the size of the message mapping.
func SetMirroredEntries(n int) {
	if MirroredEntries != nil {
		MirroredEntries.Set(float64(n))
	}
}

// ObserveRemoteCall returns a func that records the elapsed time for op when called.
func ObserveRemoteCall(op string) func() {
	start := time.Now()
	return func() {
		if RemoteCallDuration != nil {
			RemoteCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
