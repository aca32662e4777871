package intel

import "time"

// EntryType represents the type of threat-intelligence entry.
type EntryType string

const (
	EntryIPv4    EntryType = "ipv4-addr"
	EntryIPv6    EntryType = "ipv6-addr"
	EntryPattern EntryType = "pattern"
)

// Entry is one threat-intelligence record from a feed.
type Entry struct {
	ID          string    `json:"id"`
	Type        EntryType `json:"type"`
	Value       string    `json:"value"`
	Confidence  int       `json:"confidence"` // 0-100
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"`
	Labels      []string  `json:"labels"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ValidUntil)
}

// IsActive checks if the entry is currently in its validity window.
func (e *Entry) IsActive() bool {
	now := time.Now()
	return now.After(e.ValidFrom) && now.Before(e.ValidUntil)
}
