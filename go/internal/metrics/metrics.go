package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector defines the interface for collecting sync engine metrics
type Collector interface {
	RecordEvent(event, outcome string)
	RecordDroppedFrame(transport, reason string)
	RecordSnapshot(groupID string, success bool)
	RecordReconnect(transport string)
	SetMembers(groupID, status string, count int)
	RecordEmit(event string, success bool)
}

// NoOp is a no-op implementation for when metrics aren't needed
type NoOp struct{}

func (NoOp) RecordEvent(event, outcome string)            {}
func (NoOp) RecordDroppedFrame(transport, reason string)  {}
func (NoOp) RecordSnapshot(groupID string, success bool)  {}
func (NoOp) RecordReconnect(transport string)             {}
func (NoOp) SetMembers(groupID, status string, count int) {}
func (NoOp) RecordEmit(event string, success bool)        {}

// Prometheus implements Collector using the Prometheus client library
type Prometheus struct {
	eventsTotal    *prometheus.CounterVec
	droppedFrames  *prometheus.CounterVec
	snapshotsTotal *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	members        *prometheus.GaugeVec
	emitsTotal     *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studysync_presence_events_total",
				Help: "Push events handled by the presence reconciler.",
			},
			[]string{"event", "outcome"},
		),
		droppedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studysync_dropped_frames_total",
				Help: "Inbound frames rejected at the channel boundary.",
			},
			[]string{"transport", "reason"},
		),
		snapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studysync_snapshot_syncs_total",
				Help: "Group snapshot and roster syncs.",
			},
			[]string{"group_id", "result"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studysync_reconnects_total",
				Help: "Successful push channel reconnects.",
			},
			[]string{"transport"},
		),
		members: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "studysync_group_members",
				Help: "Tracked group members by presence status.",
			},
			[]string{"group_id", "status"},
		),
		emitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studysync_emits_total",
				Help: "Events emitted by the local user.",
			},
			[]string{"event", "result"},
		),
	}

	reg.MustRegister(
		p.eventsTotal,
		p.droppedFrames,
		p.snapshotsTotal,
		p.reconnects,
		p.members,
		p.emitsTotal,
	)
	return p
}

func (p *Prometheus) RecordEvent(event, outcome string) {
	p.eventsTotal.WithLabelValues(event, outcome).Inc()
}

func (p *Prometheus) RecordDroppedFrame(transport, reason string) {
	p.droppedFrames.WithLabelValues(transport, reason).Inc()
}

func (p *Prometheus) RecordSnapshot(groupID string, success bool) {
	p.snapshotsTotal.WithLabelValues(groupID, result(success)).Inc()
}

func (p *Prometheus) RecordReconnect(transport string) {
	p.reconnects.WithLabelValues(transport).Inc()
}

func (p *Prometheus) SetMembers(groupID, status string, count int) {
	p.members.WithLabelValues(groupID, status).Set(float64(count))
}

func (p *Prometheus) RecordEmit(event string, success bool) {
	p.emitsTotal.WithLabelValues(event, result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
