package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/circuitbreaker"
)

// Service is the account-state collaborator: the one operation this engine
// needs is suspending a subject during critical response.
type Service interface {
	Suspend(ctx context.Context, subject, reason string) error
}

// HTTPService calls the account system's suspend endpoint, time-bounded and
// behind a circuit breaker.
type HTTPService struct {
	endpoint string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	logger   zerolog.Logger
}

func NewHTTPService(endpoint string, timeout time.Duration, logger zerolog.Logger) *HTTPService {
	return &HTTPService{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New("account_suspend", circuitbreaker.DefaultConfig()),
		logger:   logger,
	}
}

func (s *HTTPService) Suspend(ctx context.Context, subject, reason string) error {
	return s.breaker.Do(func() error {
		body, err := json.Marshal(map[string]string{
			"subject":      subject,
			"reason":       reason,
			"suspended_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("suspend %s: %w", subject, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("suspend %s: account service returned %d", subject, resp.StatusCode)
		}
		return nil
	})
}

// LogService records suspensions in the log only. The default when no
// account endpoint is configured.
type LogService struct {
	Logger zerolog.Logger
}

func (s *LogService) Suspend(_ context.Context, subject, reason string) error {
	s.Logger.Warn().
		Str("subject", subject).
		Str("reason", reason).
		Msg("subject suspension requested (no account endpoint configured)")
	return nil
}

// MockService captures suspensions for tests.
type MockService struct {
	mu        sync.Mutex
	Suspended []string
	Err       error
}

func (m *MockService) Suspend(_ context.Context, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Suspended = append(m.Suspended, subject)
	return nil
}
