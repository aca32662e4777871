package response

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/account"
	"tripwire/detection-engine/internal/alert"
	"tripwire/detection-engine/internal/audit"
	"tripwire/detection-engine/internal/blocklist"
	"tripwire/detection-engine/internal/incident"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/store"
)

type fixture struct {
	mgr       *incident.Manager
	exec      *Executor
	blocks    *blocklist.Blocklist
	accounts  *account.MockService
	emergency *EmergencyMode
	store     *store.Memory
}

func newFixture() *fixture {
	st := store.NewMemory()
	bl := blocklist.New(st, zerolog.Nop())
	acc := &account.MockService{}
	em := NewEmergencyMode()
	mgr := incident.NewManager(st, &alert.MockNotifier{}, &audit.MockRecorder{}, zerolog.Nop())
	exec := NewExecutor(mgr, bl, acc, em, st, zerolog.Nop())
	mgr.SetResponder(exec)
	return &fixture{mgr: mgr, exec: exec, blocks: bl, accounts: acc, emergency: em, store: st}
}

func attackerInd(sev indicator.Severity, addr, subject string) *indicator.ThreatIndicator {
	return indicator.New(indicator.KindAnomaly, sev, 0.9, "test", "finding",
		map[string]any{"address": addr, "subject": subject})
}

func actionNames(inc incident.SecurityIncident) map[string]int {
	out := make(map[string]int)
	for _, a := range inc.Response.Automated {
		out[a.Name]++
	}
	return out
}

func TestRespond_CriticalTier(t *testing.T) {
	f := newFixture()
	sub := f.emergency.Subscribe()

	// Open at medium (no automated block yet), then run the critical tier
	// directly, as an operator escalation would. Automated triage itself
	// never reaches critical.
	opened, err := f.mgr.OpenIncident(context.Background(),
		[]*indicator.ThreatIndicator{attackerInd(indicator.SeverityMedium, "192.0.2.50", "mallory")}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	critical := opened
	critical.Severity = indicator.SeverityCritical
	f.exec.Respond(context.Background(), critical)

	rec, blocked := f.blocks.IsBlocked(context.Background(), "192.0.2.50")
	if !blocked {
		t.Fatal("critical tier must block the indicator address")
	}
	if d := time.Until(rec.ExpiresAt); d < 23*time.Hour {
		t.Errorf("critical block lasts %v, want ~24h", d)
	}
	if len(f.accounts.Suspended) == 0 || f.accounts.Suspended[len(f.accounts.Suspended)-1] != "mallory" {
		t.Errorf("suspended = %v, want mallory", f.accounts.Suspended)
	}
	if !f.emergency.Active() {
		t.Error("critical tier must activate emergency mode")
	}
	select {
	case state := <-sub:
		if !state {
			t.Error("subscriber should observe activation, got deactivation")
		}
	default:
		t.Error("subscriber did not observe the emergency flip")
	}

	got, _ := f.mgr.Get(context.Background(), opened.ID)
	names := actionNames(got)
	for _, want := range []string{"block_address", "suspend_subject", "emergency_mode"} {
		if names[want] == 0 {
			t.Errorf("missing journaled action %q in %v", want, names)
		}
	}
	if len(got.Response.Recommendations) == 0 {
		t.Error("critical tier must leave recommendations")
	}
}

func TestRespond_HighTier(t *testing.T) {
	f := newFixture()

	opened, err := f.mgr.OpenIncident(context.Background(),
		[]*indicator.ThreatIndicator{attackerInd(indicator.SeverityHigh, "198.51.100.20", "trent")},
		[]string{"payments-api"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec, blocked := f.blocks.IsBlocked(context.Background(), "198.51.100.20")
	if !blocked {
		t.Fatal("high tier must block the indicator address")
	}
	if d := time.Until(rec.ExpiresAt); d > 2*time.Hour {
		t.Errorf("high block lasts %v, want ~1h", d)
	}
	if !f.exec.Monitored(context.Background(), "payments-api") {
		t.Error("high tier must flag affected resources for monitoring")
	}
	if len(f.accounts.Suspended) != 0 {
		t.Error("high tier must not suspend subjects")
	}
	if f.emergency.Active() {
		t.Error("high tier must not activate emergency mode")
	}

	got, _ := f.mgr.Get(context.Background(), opened.ID)
	names := actionNames(got)
	if names["block_address"] != 1 || names["enhanced_monitoring"] != 1 {
		t.Errorf("journaled actions = %v", names)
	}
}

func TestRespond_MediumTierMonitorsOnly(t *testing.T) {
	f := newFixture()

	opened, err := f.mgr.OpenIncident(context.Background(),
		[]*indicator.ThreatIndicator{attackerInd(indicator.SeverityMedium, "203.0.113.30", "")},
		[]string{"search"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, blocked := f.blocks.IsBlocked(context.Background(), "203.0.113.30"); blocked {
		t.Error("medium tier must not block addresses")
	}
	if !f.exec.Monitored(context.Background(), "search") {
		t.Error("medium tier must flag affected resources for monitoring")
	}

	got, _ := f.mgr.Get(context.Background(), opened.ID)
	if names := actionNames(got); names["enhanced_monitoring"] != 1 || len(names) != 1 {
		t.Errorf("journaled actions = %v, want enhanced_monitoring only", names)
	}
}

func TestRespond_DeduplicatesTargets(t *testing.T) {
	f := newFixture()

	// Two indicators against the same address yield one block action.
	opened, err := f.mgr.OpenIncident(context.Background(), []*indicator.ThreatIndicator{
		attackerInd(indicator.SeverityHigh, "192.0.2.77", ""),
		attackerInd(indicator.SeverityHigh, "192.0.2.77", ""),
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := f.mgr.Get(context.Background(), opened.ID)
	if names := actionNames(got); names["block_address"] != 1 {
		t.Errorf("block_address actions = %d, want 1", names["block_address"])
	}
}

func TestEmergencyMode_TransitionsPublishOnce(t *testing.T) {
	em := NewEmergencyMode()
	sub := em.Subscribe()

	if !em.Activate() {
		t.Fatal("first activation should report the transition")
	}
	if em.Activate() {
		t.Fatal("repeat activation must be a no-op")
	}
	if got := len(sub); got != 1 {
		t.Fatalf("subscriber has %d pending updates, want 1", got)
	}
	<-sub

	if !em.Deactivate() {
		t.Fatal("deactivation should report the transition")
	}
	if em.Deactivate() {
		t.Fatal("repeat deactivation must be a no-op")
	}
	if state := <-sub; state {
		t.Error("subscriber should observe deactivation as false")
	}
}
