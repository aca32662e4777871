package response

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/account"
	"tripwire/detection-engine/internal/blocklist"
	"tripwire/detection-engine/internal/incident"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/store"
)

const (
	criticalBlockDuration = 24 * time.Hour
	highBlockDuration     = time.Hour
	monitoringWindow      = time.Hour

	monitorPrefix = "monitor:"
)

// Executor carries out the automated remediation tier for an incident's
// severity. Every step is idempotent (duplicate blocks land on SetNX,
// monitoring flags just refresh) and is journaled through the incident
// manager, never by writing incident fields directly.
type Executor struct {
	mgr       *incident.Manager
	blocks    *blocklist.Blocklist
	accounts  account.Service
	emergency *EmergencyMode
	store     store.Store
	logger    zerolog.Logger
}

func NewExecutor(mgr *incident.Manager, blocks *blocklist.Blocklist, accounts account.Service, emergency *EmergencyMode, st store.Store, logger zerolog.Logger) *Executor {
	return &Executor{
		mgr:       mgr,
		blocks:    blocks,
		accounts:  accounts,
		emergency: emergency,
		store:     st,
		logger:    logger,
	}
}

// Respond runs the remediation tier for inc.Severity:
//
//	critical: 24h address blocks, subject suspension, emergency mode
//	high:     1h address blocks, 1h enhanced monitoring on affected resources
//	medium:   enhanced monitoring only
//
// A failed step is logged and skipped; the remaining steps still run.
func (x *Executor) Respond(ctx context.Context, inc incident.SecurityIncident) {
	switch inc.Severity {
	case indicator.SeverityCritical:
		x.blockAddresses(ctx, inc, criticalBlockDuration)
		x.suspendSubjects(ctx, inc)
		if x.emergency.Activate() {
			_ = x.mgr.AddAutomatedAction(ctx, inc.ID, "emergency_mode", "")
			x.logger.Error().Str("incident_id", inc.ID).Msg("emergency mode activated")
		}
		_ = x.mgr.AddRecommendations(ctx, inc.ID,
			"Page the on-call security engineer",
			"Review all sessions for suspended subjects",
			"Keep emergency mode active until containment is confirmed",
		)
	case indicator.SeverityHigh:
		x.blockAddresses(ctx, inc, highBlockDuration)
		x.monitorResources(ctx, inc)
		_ = x.mgr.AddRecommendations(ctx, inc.ID,
			"Review the blocked addresses before expiry",
			"Watch enhanced-monitoring output for the affected resources",
		)
	default:
		x.monitorResources(ctx, inc)
		_ = x.mgr.AddRecommendations(ctx, inc.ID,
			"Triage during business hours; no automated containment was applied",
		)
	}
}

func (x *Executor) blockAddresses(ctx context.Context, inc incident.SecurityIncident, d time.Duration) {
	seen := make(map[string]struct{})
	for _, in := range inc.Indicators {
		addr := in.Address()
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if _, _, err := x.blocks.Block(ctx, addr, d, "incident "+inc.ID); err != nil {
			x.logger.Warn().Err(err).Str("address", addr).Str("incident_id", inc.ID).Msg("response block failed")
			continue
		}
		_ = x.mgr.AddAutomatedAction(ctx, inc.ID, "block_address", addr)
	}
}

func (x *Executor) suspendSubjects(ctx context.Context, inc incident.SecurityIncident) {
	seen := make(map[string]struct{})
	for _, in := range inc.Indicators {
		subject := in.Subject()
		if subject == "" {
			continue
		}
		if _, dup := seen[subject]; dup {
			continue
		}
		seen[subject] = struct{}{}
		if err := x.accounts.Suspend(ctx, subject, "incident "+inc.ID); err != nil {
			x.logger.Warn().Err(err).Str("subject", subject).Str("incident_id", inc.ID).Msg("suspend failed")
			continue
		}
		_ = x.mgr.AddAutomatedAction(ctx, inc.ID, "suspend_subject", subject)
	}
}

// monitorResources raises a time-boxed enhanced-monitoring flag per affected
// resource. Re-raising an existing flag just refreshes its window.
func (x *Executor) monitorResources(ctx context.Context, inc incident.SecurityIncident) {
	for _, res := range inc.AffectedResources {
		if err := x.store.Set(ctx, monitorPrefix+res, true, monitoringWindow); err != nil {
			x.logger.Warn().Err(err).Str("resource", res).Msg("monitoring flag write failed")
			continue
		}
		_ = x.mgr.AddAutomatedAction(ctx, inc.ID, "enhanced_monitoring", res)
	}
}

// Monitored reports whether a resource currently has an active
// enhanced-monitoring flag.
func (x *Executor) Monitored(ctx context.Context, resource string) bool {
	var flagged bool
	found, err := x.store.Get(ctx, monitorPrefix+resource, &flagged)
	if err != nil {
		return false
	}
	return found && flagged
}
