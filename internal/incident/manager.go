package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/alert"
	"tripwire/detection-engine/internal/audit"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/metrics"
	"tripwire/detection-engine/internal/store"
)

const snapshotPrefix = "incident:"

// snapshotTTL bounds how long a journaled incident outlives the process.
const snapshotTTL = 7 * 24 * time.Hour

// Responder executes the automated response for a freshly opened incident.
// It receives a copy and reports executed steps back through the Manager's
// AddAutomatedAction/AddRecommendations methods.
type Responder interface {
	Respond(ctx context.Context, inc SecurityIncident)
}

// Manager owns all incidents. The in-process map is the system of record;
// every mutation is journaled to the durable store as a JSON snapshot so a
// restart (or another reader) can recover state.
type Manager struct {
	mu        sync.RWMutex
	incidents map[string]*SecurityIncident

	store     store.Store
	responder Responder
	notifier  alert.Notifier
	audit     audit.Recorder
	logger    zerolog.Logger
	nowFunc   func() time.Time
}

func NewManager(st store.Store, notifier alert.Notifier, rec audit.Recorder, logger zerolog.Logger) *Manager {
	return &Manager{
		incidents: make(map[string]*SecurityIncident),
		store:     st,
		notifier:  notifier,
		audit:     rec,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// SetResponder wires the response executor. Set once during startup, before
// traffic; the executor needs the manager, so construction is two-phase.
func (m *Manager) SetResponder(r Responder) { m.responder = r }

// OpenIncident creates an incident from a non-empty indicator set, records
// the detection on the timeline, moves it straight into investigating, runs
// the automated response, and dispatches a severity-tagged alert.
func (m *Manager) OpenIncident(ctx context.Context, inds []*indicator.ThreatIndicator, resources []string) (SecurityIncident, error) {
	if len(inds) == 0 {
		return SecurityIncident{}, fmt.Errorf("open incident: no indicators")
	}
	now := m.nowFunc().UTC()
	inc := &SecurityIncident{
		ID:                uuid.NewString(),
		Kind:              inds[0].Kind,
		Severity:          DeriveSeverity(inds),
		Status:            StatusDetected,
		Indicators:        inds,
		AffectedResources: resources,
		Timeline: []TimelineEntry{{
			At:    now,
			Event: string(StatusDetected),
			Note:  fmt.Sprintf("%d indicator(s) aggregated", len(inds)),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.incidents[inc.ID] = inc
	m.mu.Unlock()
	metrics.Incidents.WithLabelValues(string(inc.Severity)).Inc()
	m.snapshot(ctx, inc.ID)

	m.logger.Info().
		Str("incident_id", inc.ID).
		Str("severity", string(inc.Severity)).
		Int("indicators", len(inds)).
		Msg("incident opened")

	// Detection immediately hands off to triage.
	if err := m.Transition(ctx, inc.ID, StatusInvestigating, "system"); err != nil {
		return SecurityIncident{}, err
	}

	if m.responder != nil {
		m.responder.Respond(ctx, m.mustClone(inc.ID))
	}

	snap := m.mustClone(inc.ID)
	_ = m.notifier.Notify(ctx, alert.Alert{
		Type:     "incident_opened",
		Severity: snap.Severity,
		Details: map[string]any{
			"incident_id": snap.ID,
			"kind":        string(snap.Kind),
			"indicators":  len(snap.Indicators),
			"resources":   snap.AffectedResources,
		},
		Recommendations: snap.Response.Recommendations,
		Timestamp:       now,
	})
	m.audit.Record(ctx, audit.Event{
		Name:    "incident_opened",
		Subject: snap.ID,
		Detail:  map[string]any{"severity": string(snap.Severity), "kind": string(snap.Kind)},
	})
	return snap, nil
}

// Transition advances an incident one legal step. Skipping states or moving
// backward is rejected; resolved incidents never change again.
func (m *Manager) Transition(ctx context.Context, id string, to Status, actor string) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("incident %s: not found", id)
	}
	if !CanTransition(inc.Status, to) {
		from := inc.Status
		m.mu.Unlock()
		return fmt.Errorf("incident %s: illegal transition %s -> %s", id, from, to)
	}
	now := m.nowFunc().UTC()
	inc.Status = to
	inc.UpdatedAt = now
	inc.Timeline = append(inc.Timeline, TimelineEntry{At: now, Event: string(to), Actor: actor})
	m.mu.Unlock()

	m.snapshot(ctx, id)
	m.logger.Info().Str("incident_id", id).Str("status", string(to)).Str("actor", actor).Msg("incident transitioned")
	return nil
}

// AddAutomatedAction appends one executed response step. The executor never
// writes incident fields directly; this is its only mutation path.
func (m *Manager) AddAutomatedAction(ctx context.Context, id, name, target string) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("incident %s: not found", id)
	}
	now := m.nowFunc().UTC()
	inc.Response.Automated = append(inc.Response.Automated, Action{Name: name, Target: target, At: now})
	inc.Timeline = append(inc.Timeline, TimelineEntry{At: now, Event: "response:" + name, Actor: "system", Note: target})
	inc.UpdatedAt = now
	m.mu.Unlock()

	metrics.ResponseActions.WithLabelValues(name).Inc()
	m.snapshot(ctx, id)
	return nil
}

// AddRecommendations appends manual follow-up guidance to the incident.
func (m *Manager) AddRecommendations(ctx context.Context, id string, recs ...string) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("incident %s: not found", id)
	}
	inc.Response.Recommendations = append(inc.Response.Recommendations, recs...)
	inc.UpdatedAt = m.nowFunc().UTC()
	m.mu.Unlock()

	m.snapshot(ctx, id)
	return nil
}

// Get returns a copy of the incident, falling back to the durable snapshot
// when the in-process map misses (e.g. after a restart).
func (m *Manager) Get(ctx context.Context, id string) (SecurityIncident, bool) {
	m.mu.RLock()
	inc, ok := m.incidents[id]
	if ok {
		snap := inc.clone()
		m.mu.RUnlock()
		return snap, true
	}
	m.mu.RUnlock()

	var restored SecurityIncident
	found, err := m.store.Get(ctx, snapshotPrefix+id, &restored)
	if err != nil || !found {
		return SecurityIncident{}, false
	}
	m.mu.Lock()
	if existing, ok := m.incidents[id]; ok {
		snap := existing.clone()
		m.mu.Unlock()
		return snap, true
	}
	m.incidents[id] = &restored
	snap := restored.clone()
	m.mu.Unlock()
	return snap, true
}

// List returns copies of all known incidents, newest first.
func (m *Manager) List() []SecurityIncident {
	m.mu.RLock()
	out := make([]SecurityIncident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, inc.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GC drops resolved incidents whose last update is older than keep. Called
// from the housekeeping task so the map stays bounded.
func (m *Manager) GC(ctx context.Context, keep time.Duration) int {
	cutoff := m.nowFunc().Add(-keep)
	m.mu.Lock()
	var expired []string
	for id, inc := range m.incidents {
		if inc.Status == StatusResolved && inc.UpdatedAt.Before(cutoff) {
			delete(m.incidents, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.store.Delete(ctx, snapshotPrefix+id); err != nil {
			m.logger.Warn().Err(err).Str("incident_id", id).Msg("snapshot delete failed")
		}
	}
	return len(expired)
}

// snapshot journals the current state. A failed write degrades to a warn
// log; the in-process copy remains authoritative.
func (m *Manager) snapshot(ctx context.Context, id string) {
	m.mu.RLock()
	inc, ok := m.incidents[id]
	var snap SecurityIncident
	if ok {
		snap = inc.clone()
	}
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := m.store.Set(ctx, snapshotPrefix+id, snap, snapshotTTL); err != nil {
		m.logger.Warn().Err(err).Str("incident_id", id).Msg("incident snapshot failed")
	}
}

func (m *Manager) mustClone(id string) SecurityIncident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inc, ok := m.incidents[id]; ok {
		return inc.clone()
	}
	return SecurityIncident{}
}
