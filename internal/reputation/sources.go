package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tripwire/detection-engine/internal/circuitbreaker"
)

// GeoResolver maps an address to an ISO country code.
type GeoResolver interface {
	Country(ctx context.Context, addr string) (string, error)
}

// ASNResolver maps an address to its originating autonomous system.
type ASNResolver interface {
	ASN(ctx context.Context, addr string) (int, error)
}

// StaticGeoResolver serves a fixed table. Used in tests and in deployments
// that preload a local geo snapshot.
type StaticGeoResolver map[string]string

func (r StaticGeoResolver) Country(_ context.Context, addr string) (string, error) {
	if c, ok := r[addr]; ok {
		return c, nil
	}
	return "", nil
}

// StaticASNResolver serves a fixed table.
type StaticASNResolver map[string]int

func (r StaticASNResolver) ASN(_ context.Context, addr string) (int, error) {
	if asn, ok := r[addr]; ok {
		return asn, nil
	}
	return 0, nil
}

// AbuseDBClient queries the external abuse database for an address's abuse
// confidence. Calls are time-bounded and behind a circuit breaker; an open
// breaker surfaces as an error and the check degrades to zero.
type AbuseDBClient struct {
	endpoint string
	key      string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

func NewAbuseDBClient(endpoint, key string, timeout time.Duration) *AbuseDBClient {
	return &AbuseDBClient{
		endpoint: endpoint,
		key:      key,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New("abusedb", circuitbreaker.DefaultConfig()),
	}
}

// Confidence returns the database's abuse confidence scaled to [0,1].
// An unconfigured client contributes nothing and is not an error.
func (c *AbuseDBClient) Confidence(ctx context.Context, addr string) (float64, error) {
	if c == nil || c.endpoint == "" {
		return 0, nil
	}
	var score float64
	err := c.breaker.Do(func() error {
		u := c.endpoint + "?ip=" + url.QueryEscape(addr)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		if c.key != "" {
			req.Header.Set("Key", c.key)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("abusedb query: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("abusedb returned %d", resp.StatusCode)
		}
		var body struct {
			Confidence int `json:"confidence"` // 0-100
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("abusedb decode: %w", err)
		}
		score = float64(body.Confidence) / 100
		return nil
	})
	return score, err
}

// DNSBLChecker tests IPv4 membership in a DNS blocklist zone by looking up
// the reversed-octet name. IPv6 and unparsable addresses are never listed.
type DNSBLChecker struct {
	zone     string
	timeout  time.Duration
	resolver *net.Resolver
}

func NewDNSBLChecker(zone string, timeout time.Duration) *DNSBLChecker {
	return &DNSBLChecker{zone: zone, timeout: timeout, resolver: net.DefaultResolver}
}

// Listed reports membership. NXDOMAIN means "not listed", not an error.
func (c *DNSBLChecker) Listed(ctx context.Context, addr string) (bool, error) {
	if c == nil || c.zone == "" {
		return false, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false, nil
	}
	v4 := ip.To4()
	if v4 == nil {
		return false, nil
	}

	name := fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], strings.TrimSuffix(c.zone, "."))
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	addrs, err := c.resolver.LookupHost(lctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, fmt.Errorf("dnsbl lookup %s: %w", name, err)
	}
	return len(addrs) > 0, nil
}
