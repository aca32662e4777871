package incident

import (
	"time"

	"tripwire/detection-engine/internal/indicator"
)

// Status is the incident lifecycle state. Transitions only move forward,
// one step at a time; resolved is terminal.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusResolved      Status = "resolved"
)

// next maps each status to its single legal successor.
var next = map[Status]Status{
	StatusDetected:      StatusInvestigating,
	StatusInvestigating: StatusContained,
	StatusContained:     StatusResolved,
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to Status) bool {
	return next[from] == to
}

// TimelineEntry is one append-only event in an incident's history.
type TimelineEntry struct {
	At    time.Time `json:"at"`
	Event string    `json:"event"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Action is one automated response step already executed.
type Action struct {
	Name   string    `json:"name"`
	Target string    `json:"target,omitempty"`
	At     time.Time `json:"at"`
}

// ResponsePlan records what was and should be done about an incident.
type ResponsePlan struct {
	Automated       []Action `json:"automated"`
	Manual          []string `json:"manual,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SecurityIncident is the aggregate the manager owns. Callers outside the
// manager only ever see copies; all mutation goes through Manager methods.
type SecurityIncident struct {
	ID                string                       `json:"id"`
	Kind              indicator.Kind               `json:"kind"`
	Severity          indicator.Severity           `json:"severity"`
	Status            Status                       `json:"status"`
	Indicators        []*indicator.ThreatIndicator `json:"indicators"`
	AffectedResources []string                     `json:"affected_resources,omitempty"`
	Timeline          []TimelineEntry              `json:"timeline"`
	Response          ResponsePlan                 `json:"response"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

// DeriveSeverity ranks an incident from its indicators: high when any
// indicator weighs at or above high, medium otherwise. Automated triage
// deliberately never classifies an incident critical; that judgment is left
// to a human operator.
func DeriveSeverity(inds []*indicator.ThreatIndicator) indicator.Severity {
	maxWeight := 0
	for _, in := range inds {
		if w := in.Severity.Weight(); w > maxWeight {
			maxWeight = w
		}
	}
	if maxWeight >= indicator.SeverityHigh.Weight() {
		return indicator.SeverityHigh
	}
	return indicator.SeverityMedium
}

// clone returns a deep-enough copy for handing outside the manager's lock.
// Indicators are immutable after creation, so sharing their pointers is safe.
func (s *SecurityIncident) clone() SecurityIncident {
	out := *s
	out.Indicators = append([]*indicator.ThreatIndicator(nil), s.Indicators...)
	out.AffectedResources = append([]string(nil), s.AffectedResources...)
	out.Timeline = append([]TimelineEntry(nil), s.Timeline...)
	out.Response.Automated = append([]Action(nil), s.Response.Automated...)
	out.Response.Manual = append([]string(nil), s.Response.Manual...)
	out.Response.Recommendations = append([]string(nil), s.Response.Recommendations...)
	return out
}
