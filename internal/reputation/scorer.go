package reputation

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/audit"
	"tripwire/detection-engine/internal/blocklist"
	"tripwire/detection-engine/internal/config"
	"tripwire/detection-engine/internal/intel"
	"tripwire/detection-engine/internal/metrics"
)

// auditThreshold is the score above which a lookup leaves an audit record.
const auditThreshold = 0.7

// check is one weighted reputation source. The weights are fixed and sum
// to 1.0, so the combined score stays in [0,1].
type check struct {
	name   string
	weight float64
	fn     func(ctx context.Context, addr string) (float64, error)
}

// Scorer combines six independent sources into one abuse-likelihood score.
// A failing source contributes zero to its term instead of failing the
// lookup; only a panic in the combine path collapses to the moderate 0.5.
type Scorer struct {
	checks []check
	audit  audit.Recorder
	logger zerolog.Logger
}

func NewScorer(
	bl *blocklist.Blocklist,
	abuse *AbuseDBClient,
	intelStore *intel.Store,
	geo GeoResolver,
	asn ASNResolver,
	dnsbl *DNSBLChecker,
	cfg config.ReputationCfg,
	rec audit.Recorder,
	logger zerolog.Logger,
) *Scorer {
	riskyCountries := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		riskyCountries[c] = struct{}{}
	}
	riskyASNs := make(map[int]struct{}, len(cfg.HighRiskASNs))
	for _, a := range cfg.HighRiskASNs {
		riskyASNs[a] = struct{}{}
	}

	s := &Scorer{audit: rec, logger: logger}
	s.checks = []check{
		{"blocklist", 0.3, func(ctx context.Context, addr string) (float64, error) {
			if _, blocked := bl.IsBlocked(ctx, addr); blocked {
				return 1, nil
			}
			return 0, nil
		}},
		{"abusedb", 0.2, abuse.Confidence},
		{"intel", 0.2, func(_ context.Context, addr string) (float64, error) {
			typ := intel.EntryIPv4
			if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
				typ = intel.EntryIPv6
			}
			if e, ok := intelStore.Check(typ, addr); ok {
				return float64(e.Confidence) / 100, nil
			}
			return 0, nil
		}},
		{"geo", 0.1, func(ctx context.Context, addr string) (float64, error) {
			country, err := geo.Country(ctx, addr)
			if err != nil {
				return 0, err
			}
			if _, risky := riskyCountries[country]; risky {
				return 1, nil
			}
			return 0, nil
		}},
		{"asn", 0.1, func(ctx context.Context, addr string) (float64, error) {
			asNum, err := asn.ASN(ctx, addr)
			if err != nil {
				return 0, err
			}
			if _, risky := riskyASNs[asNum]; risky {
				return 1, nil
			}
			return 0, nil
		}},
		{"dnsbl", 0.1, func(ctx context.Context, addr string) (float64, error) {
			listed, err := dnsbl.Listed(ctx, addr)
			if err != nil {
				return 0, err
			}
			if listed {
				return 1, nil
			}
			return 0, nil
		}},
	}
	return s
}

// Score returns the abuse likelihood for addr in [0,1]. Never errors: a
// failed source scores zero for its term, a panic anywhere returns the
// moderate default 0.5.
func (s *Scorer) Score(ctx context.Context, addr string) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("address", addr).Msg("reputation scorer panicked")
			score = 0.5
		}
	}()

	for _, c := range s.checks {
		v, err := c.fn(ctx, addr)
		if err != nil {
			metrics.ReputationChecks.WithLabelValues(c.name).Inc()
			s.logger.Warn().Err(err).Str("check", c.name).Str("address", addr).Msg("reputation check failed, scoring zero")
			continue
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		score += c.weight * v
	}

	if score > auditThreshold {
		s.audit.Record(ctx, audit.Event{
			Name:    "high_risk_score",
			Address: addr,
			Detail:  map[string]any{"score": score},
		})
	}
	return score
}
