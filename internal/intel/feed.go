package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// FeedClient pulls threat-intelligence entries from a JSON feed endpoint.
type FeedClient struct {
	BaseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// feedDocument is the wire shape the feed serves.
type feedDocument struct {
	Version string   `json:"version"`
	Entries []*Entry `json:"entries"`
}

func NewFeedClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *FeedClient {
	return &FeedClient{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch retrieves the current feed document, returning its version tag
// alongside the entries.
func (c *FeedClient) Fetch(ctx context.Context) (string, []*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch intel feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("intel feed returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", nil, fmt.Errorf("read intel feed: %w", err)
	}

	var doc feedDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", nil, fmt.Errorf("parse intel feed: %w", err)
	}
	return doc.Version, doc.Entries, nil
}

// Refresh fetches the feed and loads entries into the store. The feed
// version and loaded entries are returned so callers can act on them
// (e.g. rebuild the signature rule table from pattern entries); a failed
// refresh leaves the previous entries in place.
func Refresh(ctx context.Context, client *FeedClient, store *Store) (string, []*Entry, error) {
	version, entries, err := client.Fetch(ctx)
	if err != nil {
		return "", nil, err
	}
	loaded := entries[:0]
	for _, e := range entries {
		if e == nil || e.Value == "" {
			continue
		}
		store.Add(e)
		loaded = append(loaded, e)
	}
	if len(loaded) > 0 {
		client.logger.Info().
			Int("entries", len(loaded)).
			Str("version", version).
			Str("feed", client.BaseURL).
			Msg("threat intel refreshed")
	}
	return version, loaded, nil
}
