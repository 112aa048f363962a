package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sentinel-guard/internal/domain"
)

var (
	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_detections_total",
		Help: "Detections by kind",
	}, []string{"kind"})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_spam_state_evictions_total",
		Help: "Per-user spam states evicted under cardinality pressure",
	})

	mitigationOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_mitigation_ops_total",
		Help: "Permission edits issued by lockdown and quarantine",
	}, []string{"op", "outcome"})

	detectorFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_detector_faults_total",
		Help: "Recovered panics inside detector checks",
	}, []string{"check"})
)

// Metrics satisfies the metrics hooks of the detectors and coordinators.
type Metrics struct{}

func (Metrics) RecordDetection(kind string) {
	detectionsTotal.WithLabelValues(kind).Inc()
}

func (Metrics) RecordEviction(string) {
	evictionsTotal.Inc()
}

func (Metrics) RecordOp(op, outcome string) {
	mitigationOpsTotal.WithLabelValues(op, outcome).Inc()
}

func (Metrics) RecordFault(check string) {
	detectorFaultsTotal.WithLabelValues(check).Inc()
}

type IncidentSource interface {
	ListIncidents(ctx context.Context, guildID string, since time.Time) ([]domain.Incident, error)
}

type Service struct {
	store IncidentSource
}

func New(store IncidentSource) *Service {
	return &Service{store: store}
}

type KindCount struct {
	Kind  string
	Count int
}

type Report struct {
	Since    time.Time
	Total    int
	ByKind   map[string]int
	ByAction map[string]int
	Users    int
}

// TopKinds orders kinds by count, then name.
func (r Report) TopKinds() []KindCount {
	out := make([]KindCount, 0, len(r.ByKind))
	for kind, count := range r.ByKind {
		out = append(out, KindCount{Kind: kind, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	incidents, err := s.store.ListIncidents(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{Since: since, ByKind: make(map[string]int), ByAction: make(map[string]int)}
	users := make(map[string]struct{})
	for _, incident := range incidents {
		report.Total++
		report.ByKind[incident.Kind]++
		if incident.Action != "" {
			report.ByAction[incident.Action]++
		}
		if incident.UserID != "" {
			users[incident.UserID] = struct{}{}
		}
	}
	report.Users = len(users)
	return report, nil
}
