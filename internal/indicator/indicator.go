package indicator

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies what a detector found.
type Kind string

const (
	KindAddress   Kind = "address"
	KindPattern   Kind = "pattern"
	KindBehavior  Kind = "behavior"
	KindAnomaly   Kind = "anomaly"
	KindSignature Kind = "signature"
)

// Severity ranks a finding. Incident severity derivation relies on Weight().
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the numeric rank used when deriving incident severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// ThreatIndicator is a single immutable finding from one detector.
// Incidents reference indicators; nothing mutates one after creation.
type ThreatIndicator struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Severity    Severity       `json:"severity"`
	Confidence  float64        `json:"confidence"` // clamped to [0,1]
	Detector    string         `json:"detector"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// New builds an indicator with a fresh ID and clamped confidence.
func New(kind Kind, sev Severity, confidence float64, detector, description string, ctx map[string]any) *ThreatIndicator {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return &ThreatIndicator{
		ID:          uuid.NewString(),
		Kind:        kind,
		Severity:    sev,
		Confidence:  confidence,
		Detector:    detector,
		Description: description,
		Context:     ctx,
		Timestamp:   time.Now().UTC(),
	}
}

// Address returns the source address carried in context, if any.
func (i *ThreatIndicator) Address() string {
	if v, ok := i.Context["address"].(string); ok {
		return v
	}
	return ""
}

// Subject returns the subject identifier carried in context, if any.
func (i *ThreatIndicator) Subject() string {
	if v, ok := i.Context["subject"].(string); ok {
		return v
	}
	return ""
}
