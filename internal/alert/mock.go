package alert

import (
	"context"
	"sync"
)

// MockNotifier captures alerts for tests.
type MockNotifier struct {
	mu     sync.Mutex
	Alerts []Alert
	Err    error
}

func (m *MockNotifier) Notify(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, a)
	return m.Err
}

// Count returns the number of captured alerts.
func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Alerts)
}

// Last returns the most recent alert, or a zero Alert when none were sent.
func (m *MockNotifier) Last() Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Alerts) == 0 {
		return Alert{}
	}
	return m.Alerts[len(m.Alerts)-1]
}
