package bruteforce

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/alert"
	"tripwire/detection-engine/internal/audit"
	"tripwire/detection-engine/internal/blocklist"
	"tripwire/detection-engine/internal/config"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/metrics"
	"tripwire/detection-engine/internal/store"
)

const counterPrefix = "bf:"

// Result is the outcome of recording one failed attempt.
type Result struct {
	Count     int64
	Escalated bool
}

// Detector tracks consecutive authentication failures per (kind, identifier)
// inside a rolling window. A success wipes the counter; reaching the
// configured threshold escalates exactly once per window.
type Detector struct {
	store    store.Store
	blocks   *blocklist.Blocklist
	notifier alert.Notifier
	audit    audit.Recorder
	cfg      config.BruteForceCfg
	logger   zerolog.Logger
	nowFunc  func() time.Time
}

func New(st store.Store, blocks *blocklist.Blocklist, notifier alert.Notifier, rec audit.Recorder, cfg config.BruteForceCfg, logger zerolog.Logger) *Detector {
	return &Detector{
		store:    st,
		blocks:   blocks,
		notifier: notifier,
		audit:    rec,
		cfg:      cfg,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

func key(kind, identifier string) string {
	return counterPrefix + kind + ":" + identifier
}

// RecordFailure counts one failed attempt. Escalation fires exactly when the
// counter reaches the threshold: the attempt that crosses the line escalates,
// attempts past it only keep counting. addr is the source address of the
// attempt; for kind "login" it is blocked on escalation.
func (d *Detector) RecordFailure(ctx context.Context, kind, identifier, addr string) (Result, error) {
	count, err := d.store.Incr(ctx, key(kind, identifier), d.cfg.Window())
	if err != nil {
		return Result{}, fmt.Errorf("failure counter incr: %w", err)
	}
	res := Result{Count: count, Escalated: count == d.cfg.Threshold}
	if !res.Escalated {
		return res, nil
	}

	metrics.Escalations.WithLabelValues("brute_force").Inc()
	d.logger.Warn().
		Str("kind", kind).
		Str("identifier", identifier).
		Str("address", addr).
		Int64("count", count).
		Msg("brute force threshold reached")

	_ = d.notifier.Notify(ctx, alert.Alert{
		Type:     "brute_force_detected",
		Severity: indicator.SeverityHigh,
		Details: map[string]any{
			"kind":       kind,
			"identifier": identifier,
			"address":    addr,
			"count":      count,
		},
		Recommendations: []string{
			"Review authentication logs for the identifier",
			"Confirm the source address block took effect",
		},
		Timestamp: d.nowFunc().UTC(),
	})
	d.audit.Record(ctx, audit.Event{
		Name:    "brute_force_escalation",
		Subject: identifier,
		Address: addr,
		Detail:  map[string]any{"kind": kind, "count": count},
	})

	if kind == "login" && addr != "" {
		if _, _, err := d.blocks.Block(ctx, addr, d.cfg.BlockDuration(), "brute force: "+identifier); err != nil {
			d.logger.Warn().Err(err).Str("address", addr).Msg("brute force block write failed")
		}
	}
	return res, nil
}

// RecordSuccess clears the failure counter for (kind, identifier). A
// successful attempt ends the streak; the next failure starts from 1.
func (d *Detector) RecordSuccess(ctx context.Context, kind, identifier string) error {
	return d.store.Delete(ctx, key(kind, identifier))
}

// Indicator builds the behavioral finding for an escalated result, for
// feeding the incident pipeline.
func (d *Detector) Indicator(kind, identifier, addr string, count int64) *indicator.ThreatIndicator {
	return indicator.New(
		indicator.KindBehavior,
		indicator.SeverityHigh,
		0.9,
		"brute_force",
		fmt.Sprintf("%d consecutive %s failures for %s", count, kind, identifier),
		map[string]any{"subject": identifier, "address": addr, "kind": kind, "count": count},
	)
}
