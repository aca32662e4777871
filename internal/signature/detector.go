package signature

import (
	"context"

	"tripwire/detection-engine/internal/audit"
)

// Action is the user-visible verdict for an inspected request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Verdict thresholds: strictly above 0.9 blocks, strictly above 0.7
// challenges. A generic SQLi hit at 0.8 therefore challenges, not blocks.
const (
	blockThreshold     = 0.9
	challengeThreshold = 0.7
)

// Verdict is the attack detector's result for one request.
type Verdict struct {
	IsAttack   bool       `json:"is_attack"`
	Kind       AttackKind `json:"kind,omitempty"`
	Confidence float64    `json:"confidence"`
	Action     Action     `json:"action"`
}

// Detector runs the full specialized-detector battery over a request and
// folds the results into one verdict.
type Detector struct {
	lib   *Library
	audit audit.Recorder
}

func NewDetector(lib *Library, rec audit.Recorder) *Detector {
	return &Detector{lib: lib, audit: rec}
}

// Inspect runs every specialized detector independently and keeps the
// highest-confidence hit. Content-based detectors share one serialization
// of the request; CSRF and bypass probing look at request structure.
func (d *Detector) Inspect(ctx context.Context, r Request) Verdict {
	table := d.lib.Table()
	content := r.Serialize()

	detections := []Detection{
		table.DetectSQLInjection(content),
		table.DetectXSS(content),
		table.DetectPathTraversal(content),
		table.DetectCommandInjection(content),
		table.DetectFeedPatterns(content),
		DetectCSRF(r),
		DetectRateLimitBypass(r),
	}

	var best Detection
	for _, det := range detections {
		if det.Detected && det.Confidence > best.Confidence {
			best = det
		}
	}

	if !best.Detected {
		return Verdict{Action: ActionAllow}
	}

	v := Verdict{IsAttack: true, Kind: best.Kind, Confidence: best.Confidence}
	switch {
	case best.Confidence > blockThreshold:
		v.Action = ActionBlock
	case best.Confidence > challengeThreshold:
		v.Action = ActionChallenge
	default:
		v.Action = ActionAllow
	}

	if d.audit != nil {
		d.audit.Record(ctx, audit.Event{
			Name:    "signature_match",
			Address: r.Address,
			Detail: map[string]any{
				"kind":       string(best.Kind),
				"confidence": best.Confidence,
				"pattern":    best.MatchedPattern,
				"method":     r.Method,
				"path":       r.Path,
				"action":     string(v.Action),
			},
		})
	}
	return v
}
