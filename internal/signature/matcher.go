package signature

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Request is the inbound request shape the attack detector consumes.
type Request struct {
	Method  string            `json:"method" validate:"required"`
	Path    string            `json:"path" validate:"required"`
	Headers map[string]string `json:"headers"`
	Body    map[string]any    `json:"body,omitempty"`
	Address string            `json:"address"`
}

// Serialize flattens the request to one text blob for pattern matching.
func (r Request) Serialize() string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte(' ')
	sb.WriteString(r.Path)
	for k, v := range r.Headers {
		sb.WriteByte('\n')
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
	}
	if r.Body != nil {
		if b, err := json.Marshal(r.Body); err == nil {
			sb.WriteByte('\n')
			sb.Write(b)
		}
	}
	return sb.String()
}

// header does a case-insensitive lookup.
func (r Request) header(name string) (string, bool) {
	canon := http.CanonicalHeaderKey(name)
	for k, v := range r.Headers {
		if http.CanonicalHeaderKey(k) == canon {
			return v, true
		}
	}
	return "", false
}

// Detection is one specialized detector's result.
type Detection struct {
	Detected       bool       `json:"detected"`
	Kind           AttackKind `json:"kind,omitempty"`
	Confidence     float64    `json:"confidence"`
	MatchedPattern string     `json:"matched_pattern,omitempty"`
}

func detectionFrom(m Match, ok bool) Detection {
	if !ok {
		return Detection{}
	}
	return Detection{Detected: true, Kind: m.Class, Confidence: m.Confidence, MatchedPattern: m.Pattern}
}

// DetectSQLInjection tests content against the SQL injection rule class.
func (t *RuleTable) DetectSQLInjection(content string) Detection {
	return detectionFrom(t.MatchClass(KindSQLInjection, content))
}

// DetectXSS tests content against the XSS rule class.
func (t *RuleTable) DetectXSS(content string) Detection {
	return detectionFrom(t.MatchClass(KindXSS, content))
}

// DetectPathTraversal tests content against the path traversal rule class.
func (t *RuleTable) DetectPathTraversal(content string) Detection {
	return detectionFrom(t.MatchClass(KindPathTraversal, content))
}

// DetectCommandInjection tests content against the command injection class.
func (t *RuleTable) DetectCommandInjection(content string) Detection {
	return detectionFrom(t.MatchClass(KindCommandInjection, content))
}

// DetectFeedPatterns tests content against feed-supplied rules, which join
// the table on intel refresh.
func (t *RuleTable) DetectFeedPatterns(content string) Detection {
	return detectionFrom(t.MatchClass(KindFeedPattern, content))
}

// csrfTokenHeaders are the anti-forgery headers accepted as proof.
var csrfTokenHeaders = []string{"X-CSRF-Token", "X-XSRF-Token", "X-Requested-With"}

// DetectCSRF flags state-changing requests missing an anti-forgery token.
// Safe verbs never fire, regardless of headers.
func DetectCSRF(r Request) Detection {
	switch strings.ToUpper(r.Method) {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return Detection{}
	}
	for _, h := range csrfTokenHeaders {
		if v, ok := r.header(h); ok && v != "" {
			return Detection{}
		}
	}
	return Detection{Detected: true, Kind: KindCSRF, Confidence: ConfidenceCSRF}
}

// forwardingHeaders are the spoof-prone client-address headers abused to
// rotate apparent source identity past per-address limits.
var forwardingHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Originating-IP",
	"X-Remote-IP",
	"X-Remote-Addr",
	"X-Client-IP",
	"True-Client-IP",
	"Forwarded",
}

// DetectRateLimitBypass flags requests carrying more than two forwarding
// headers simultaneously; legitimate proxy chains set one, maybe two.
func DetectRateLimitBypass(r Request) Detection {
	present := 0
	for _, h := range forwardingHeaders {
		if v, ok := r.header(h); ok && v != "" {
			present++
		}
	}
	if present <= 2 {
		return Detection{}
	}
	return Detection{Detected: true, Kind: KindRateLimitBypass, Confidence: ConfidenceRateLimitBypass}
}
