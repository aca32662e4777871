package anomaly

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/alert"
	"tripwire/detection-engine/internal/audit"
	"tripwire/detection-engine/internal/config"
	"tripwire/detection-engine/internal/incident"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/signature"
	"tripwire/detection-engine/internal/store"
)

func anomalyCfg() config.AnomalyCfg {
	return config.AnomalyCfg{
		WindowSec: 300,
		ActionThresholds: map[string]int64{
			"login":               5,
			"api_call":            100,
			"sensitive_operation": 10,
			"sensitive_read":      20,
		},
		DefaultThreshold: 50,
	}
}

func testManager() *incident.Manager {
	return incident.NewManager(store.NewMemory(), &alert.MockNotifier{}, &audit.MockRecorder{}, zerolog.Nop())
}

type fixedDetector struct {
	name string
	ind  *indicator.ThreatIndicator
	err  error
}

func (d *fixedDetector) Name() string { return d.name }
func (d *fixedDetector) Detect(context.Context, Event) (*indicator.ThreatIndicator, error) {
	return d.ind, d.err
}

func TestRateDetector_Thresholds(t *testing.T) {
	d := NewRateDetector(store.NewMemory(), anomalyCfg())
	ctx := context.Background()
	ev := Event{Subject: "alice", Action: "login"}

	// Counts 1..5 are at or below the login threshold.
	for i := 0; i < 5; i++ {
		in, err := d.Detect(ctx, ev)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if in != nil {
			t.Fatalf("count %d should not produce a finding", i+1)
		}
	}

	// Count 6 exceeds threshold 5 but not 2x: medium severity.
	in, _ := d.Detect(ctx, ev)
	if in == nil {
		t.Fatal("count 6 should produce a finding")
	}
	if in.Severity != indicator.SeverityMedium {
		t.Errorf("severity = %s, want medium", in.Severity)
	}
	if in.Confidence != 1 {
		t.Errorf("confidence = %f, want clamped 1", in.Confidence)
	}
	if in.Kind != indicator.KindAnomaly {
		t.Errorf("kind = %s, want anomaly", in.Kind)
	}

	// Counts 7..11: crossing 2x threshold flips severity to high.
	for i := 0; i < 4; i++ {
		d.Detect(ctx, ev)
	}
	in, _ = d.Detect(ctx, ev) // count 11 > 10
	if in == nil || in.Severity != indicator.SeverityHigh {
		t.Errorf("count 11 should be high severity, got %+v", in)
	}
}

func TestRateDetector_DefaultThresholdAndKeying(t *testing.T) {
	d := NewRateDetector(store.NewMemory(), anomalyCfg())
	ctx := context.Background()

	// Unlisted action falls back to the default threshold of 50.
	for i := 0; i < 50; i++ {
		if in, _ := d.Detect(ctx, Event{Subject: "s", Action: "export"}); in != nil {
			t.Fatalf("count %d should not exceed default threshold", i+1)
		}
	}
	if in, _ := d.Detect(ctx, Event{Subject: "s", Action: "export"}); in == nil {
		t.Error("count 51 should exceed the default threshold")
	}

	// Without a subject, the address is the counting identity; neither
	// shares the subject's counter.
	if in, _ := d.Detect(ctx, Event{Address: "192.0.2.1", Action: "export"}); in != nil {
		t.Error("address-keyed counter must start fresh")
	}
	// An event with no identity at all is not countable.
	if in, err := d.Detect(ctx, Event{Action: "export"}); in != nil || err != nil {
		t.Error("identity-less event should be a silent no-op")
	}
}

func TestSignatureDetector(t *testing.T) {
	d := NewSignatureDetector(signature.NewLibrary(signature.DefaultTable()))
	ctx := context.Background()

	in, err := d.Detect(ctx, Event{Subject: "alice", Action: "search", Context: map[string]any{"q": "1 UNION SELECT password FROM users"}})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if in == nil {
		t.Fatal("SQL injection content should match")
	}
	if in.Severity != indicator.SeverityHigh || in.Confidence != 0.9 {
		t.Errorf("signature finding = %s/%f, want high/0.9", in.Severity, in.Confidence)
	}

	if in, _ := d.Detect(ctx, Event{Subject: "alice", Action: "search", Context: map[string]any{"q": "kittens"}}); in != nil {
		t.Error("benign content must not match")
	}
}

func TestProcess_OneIncidentPerPass(t *testing.T) {
	mgr := testManager()
	agg := NewAggregator(mgr, zerolog.Nop(),
		&fixedDetector{name: "a", ind: indicator.New(indicator.KindAnomaly, indicator.SeverityMedium, 0.5, "a", "x", nil)},
		&fixedDetector{name: "b", ind: indicator.New(indicator.KindBehavior, indicator.SeverityHigh, 0.9, "b", "y", nil)},
	)

	inds, inc, err := agg.Process(context.Background(), Event{Subject: "s", Action: "login", Resource: "auth"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(inds) != 2 {
		t.Fatalf("indicators = %d, want 2", len(inds))
	}
	if inc == nil {
		t.Fatal("a non-empty pass must open an incident")
	}
	if got := len(mgr.List()); got != 1 {
		t.Errorf("incidents = %d, want exactly one per pass", got)
	}
	if inc.Kind != indicator.KindAnomaly {
		t.Errorf("incident kind = %s, want the first indicator's", inc.Kind)
	}
	if len(inc.AffectedResources) != 1 || inc.AffectedResources[0] != "auth" {
		t.Errorf("affected resources = %v", inc.AffectedResources)
	}
}

func TestProcess_DetectorErrorSkipsNotDrops(t *testing.T) {
	mgr := testManager()
	agg := NewAggregator(mgr, zerolog.Nop(),
		&fixedDetector{name: "broken", err: errors.New("upstream down")},
		&fixedDetector{name: "ok", ind: indicator.New(indicator.KindAnomaly, indicator.SeverityMedium, 0.5, "ok", "x", nil)},
	)

	inds, inc, err := agg.Process(context.Background(), Event{Subject: "s", Action: "login"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(inds) != 1 || inds[0].Detector != "ok" {
		t.Errorf("surviving indicators = %+v, want only the healthy detector's", inds)
	}
	if inc == nil {
		t.Error("surviving indicators must still open an incident")
	}
}

func TestProcess_EmptyPassOpensNothing(t *testing.T) {
	mgr := testManager()
	agg := NewAggregator(mgr, zerolog.Nop(), PatternDetector{}, ResourceDetector{})

	inds, inc, err := agg.Process(context.Background(), Event{Subject: "s", Action: "login"})
	if err != nil || inds != nil || inc != nil {
		t.Errorf("empty pass: inds=%v inc=%v err=%v, want all nil", inds, inc, err)
	}
	if got := len(mgr.List()); got != 0 {
		t.Errorf("incidents = %d, want 0", got)
	}
}

func TestBehaviorDetector(t *testing.T) {
	d := NewBehaviorDetector()
	ctx := context.Background()

	// Uniform spread over the base64 alphabet, long enough to judge.
	blob := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	in, err := d.Detect(ctx, Event{Subject: "alice", Action: "upload", Context: map[string]any{"payload": blob}})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if in == nil {
		t.Fatal("encoded payload should produce a finding")
	}
	if in.Kind != indicator.KindBehavior || in.Severity != indicator.SeverityMedium {
		t.Errorf("finding = %s/%s, want %s/%s", in.Kind, in.Severity, indicator.KindBehavior, indicator.SeverityMedium)
	}
	if in.Context["field"] != "payload" {
		t.Errorf("flagged field = %v, want payload", in.Context["field"])
	}

	in, err = d.Detect(ctx, Event{Subject: "alice", Action: "upload", Context: map[string]any{
		"payload": "a perfectly ordinary comment body with nothing unusual about it at all",
		"count":   42,
	}})
	if err != nil || in != nil {
		t.Errorf("plain payload: in=%v err=%v, want nil finding", in, err)
	}

	in, err = d.Detect(ctx, Event{Subject: "alice", Action: "upload"})
	if err != nil || in != nil {
		t.Errorf("no context: in=%v err=%v, want nil finding", in, err)
	}
}
