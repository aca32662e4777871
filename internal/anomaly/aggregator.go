package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/config"
	"tripwire/detection-engine/internal/entropy"
	"tripwire/detection-engine/internal/incident"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/metrics"
	"tripwire/detection-engine/internal/signature"
	"tripwire/detection-engine/internal/store"
)

// Event is one application event handed to the aggregator.
type Event struct {
	Subject  string         `json:"subject,omitempty"`
	Address  string         `json:"address,omitempty"`
	Action   string         `json:"action" validate:"required"`
	Resource string         `json:"resource,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// key is the counting identity: subject when known, address otherwise.
func (e Event) key() string {
	if e.Subject != "" {
		return e.Subject
	}
	return e.Address
}

// serialize flattens the event for signature matching.
func (e Event) serialize() string {
	ctx, _ := json.Marshal(e.Context)
	return fmt.Sprintf("%s %s %s %s", e.Action, e.Resource, e.Subject, string(ctx))
}

// Detector is the pluggable anomaly check. A nil indicator with nil error
// means "nothing found"; an error is logged and skipped without affecting
// sibling detectors.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ev Event) (*indicator.ThreatIndicator, error)
}

// Aggregator fans one event out to all registered detectors and folds the
// findings into at most one incident per pass.
type Aggregator struct {
	detectors []Detector
	mgr       *incident.Manager
	logger    zerolog.Logger
}

func NewAggregator(mgr *incident.Manager, logger zerolog.Logger, detectors ...Detector) *Aggregator {
	return &Aggregator{detectors: detectors, mgr: mgr, logger: logger}
}

// Register appends a detector. Startup-time only; not safe against
// concurrent Process calls.
func (a *Aggregator) Register(d Detector) {
	a.detectors = append(a.detectors, d)
}

// Process runs every detector over ev. A failed detector never drops the
// findings of its siblings. When at least one indicator is produced, exactly
// one incident is opened for the pass and returned alongside the indicators.
func (a *Aggregator) Process(ctx context.Context, ev Event) ([]*indicator.ThreatIndicator, *incident.SecurityIncident, error) {
	var inds []*indicator.ThreatIndicator
	for _, d := range a.detectors {
		in, err := d.Detect(ctx, ev)
		if err != nil {
			a.logger.Warn().Err(err).Str("detector", d.Name()).Msg("anomaly detector failed, skipping")
			continue
		}
		if in == nil {
			continue
		}
		metrics.Indicators.WithLabelValues(d.Name()).Inc()
		inds = append(inds, in)
	}
	if len(inds) == 0 {
		return nil, nil, nil
	}

	var resources []string
	if ev.Resource != "" {
		resources = []string{ev.Resource}
	}
	inc, err := a.mgr.OpenIncident(ctx, inds, resources)
	if err != nil {
		return inds, nil, fmt.Errorf("open incident: %w", err)
	}
	return inds, &inc, nil
}

// RateDetector flags action bursts: a 5-minute counter per (subject-or-
// address, action) against the per-action threshold table.
type RateDetector struct {
	store   store.Store
	cfg     config.AnomalyCfg
	nowFunc func() time.Time
}

func NewRateDetector(st store.Store, cfg config.AnomalyCfg) *RateDetector {
	return &RateDetector{store: st, cfg: cfg, nowFunc: time.Now}
}

func (d *RateDetector) Name() string { return "rate_anomaly" }

func (d *RateDetector) threshold(action string) int64 {
	if t, ok := d.cfg.ActionThresholds[action]; ok {
		return t
	}
	return d.cfg.DefaultThreshold
}

func (d *RateDetector) Detect(ctx context.Context, ev Event) (*indicator.ThreatIndicator, error) {
	id := ev.key()
	if id == "" {
		return nil, nil
	}
	count, err := d.store.Incr(ctx, "anomaly:"+id+":"+ev.Action, d.cfg.Window())
	if err != nil {
		return nil, fmt.Errorf("anomaly counter incr: %w", err)
	}
	threshold := d.threshold(ev.Action)
	if count <= threshold {
		return nil, nil
	}

	sev := indicator.SeverityMedium
	if count > 2*threshold {
		sev = indicator.SeverityHigh
	}
	confidence := float64(count) / float64(threshold)
	if confidence > 1 {
		confidence = 1
	}
	return indicator.New(
		indicator.KindAnomaly,
		sev,
		confidence,
		d.Name(),
		fmt.Sprintf("action %q at %d in %s (threshold %d)", ev.Action, count, d.cfg.Window(), threshold),
		map[string]any{"subject": ev.Subject, "address": ev.Address, "action": ev.Action, "count": count},
	), nil
}

// SignatureDetector runs the generic rule-table pass over serialized event
// content. Any match is a fixed high / 0.9 finding.
type SignatureDetector struct {
	lib *signature.Library
}

func NewSignatureDetector(lib *signature.Library) *SignatureDetector {
	return &SignatureDetector{lib: lib}
}

func (d *SignatureDetector) Name() string { return "signature_match" }

func (d *SignatureDetector) Detect(_ context.Context, ev Event) (*indicator.ThreatIndicator, error) {
	m, ok := d.lib.Table().Match(ev.serialize())
	if !ok {
		return nil, nil
	}
	return indicator.New(
		indicator.KindSignature,
		indicator.SeverityHigh,
		0.9,
		d.Name(),
		fmt.Sprintf("event content matched %s signature", m.Class),
		map[string]any{"subject": ev.Subject, "address": ev.Address, "class": string(m.Class), "pattern": m.Pattern},
	), nil
}

// BehaviorDetector flags payloads whose byte entropy suggests encoded or
// packed content, a common carrier for obfuscated attacks and
// exfiltration. Only string values in the event context are measured.
type BehaviorDetector struct {
	analyzer *entropy.Analyzer
}

func NewBehaviorDetector() *BehaviorDetector {
	return &BehaviorDetector{analyzer: entropy.NewAnalyzer()}
}

func (d *BehaviorDetector) Name() string { return "behavior_anomaly" }

func (d *BehaviorDetector) Detect(_ context.Context, ev Event) (*indicator.ThreatIndicator, error) {
	var worst entropy.Assessment
	var field string
	for k, v := range ev.Context {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if a := d.analyzer.Analyze(s); a.Suspicious && a.Entropy > worst.Entropy {
			worst, field = a, k
		}
	}
	if !worst.Suspicious {
		return nil, nil
	}
	return indicator.New(
		indicator.KindBehavior,
		indicator.SeverityMedium,
		0.7,
		d.Name(),
		fmt.Sprintf("high-entropy payload in %q (%.2f bits/byte over %d bytes)", field, worst.Entropy, worst.Length),
		map[string]any{"subject": ev.Subject, "address": ev.Address, "field": field, "entropy": worst.Entropy},
	), nil
}

// The pattern and resource checks are registered extension points:
// baselines live outside this engine for now, so they report nothing
// until a real model is plugged in.

type PatternDetector struct{}

func (PatternDetector) Name() string { return "pattern_anomaly" }
func (PatternDetector) Detect(context.Context, Event) (*indicator.ThreatIndicator, error) {
	return nil, nil
}

type ResourceDetector struct{}

func (ResourceDetector) Name() string { return "resource_anomaly" }
func (ResourceDetector) Detect(context.Context, Event) (*indicator.ThreatIndicator, error) {
	return nil, nil
}

