// Package gamification talks to the external inventory API and turns
// matched reactions into unlocked narrative hints (pistas).
package gamification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/carlostoek/yabot/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	// maxInFlight bounds concurrent requests against the inventory API.
	maxInFlight = 4

	CategoryCollectible   = "collectible"
	ItemTypeNarrativeHint = "narrative_hint"
)

// ErrAPIUnavailable marks transport and server-side failures. The
// inventory is best-effort; callers must not fail their triggering
// operation on it.
var ErrAPIUnavailable = errors.New("api_unavailable")

// Item is one inventory entry in the gamification system.
type Item struct {
	UserID      string         `json:"user_id"`
	ItemID      string         `json:"item_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category"`
	Rarity      string         `json:"rarity,omitempty"`
	Quantity    int            `json:"quantity"`
	Effects     ItemEffects    `json:"effects"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ItemEffects links an item back to the narrative object it unlocks.
type ItemEffects struct {
	Type       string `json:"type"`
	HintID     string `json:"hint_id,omitempty"`
	FragmentID string `json:"fragment_id,omitempty"`
}

// Client calls the gamification HTTP API. A weighted semaphore keeps at
// most four requests in flight.
type Client struct {
	baseURL string
	http    *http.Client
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
}

func NewClient(baseURL string, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		sem:     semaphore.NewWeighted(maxInFlight),
		metrics: m,
	}
}

// AddItem stores an item in the user's inventory.
func (c *Client) AddItem(ctx context.Context, item *Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "marshal item")
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrapf(ErrAPIUnavailable, "acquire request slot: %v", err)
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/gamification/items", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "construct item request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordGamificationRequest("add_item", "unavailable")
		return errors.Wrapf(ErrAPIUnavailable, "post item %s: %v", item.ItemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		c.metrics.RecordGamificationRequest("add_item", "error")
		return errors.Wrapf(ErrAPIUnavailable, "post item %s: status %d, body: %s", item.ItemID, resp.StatusCode, b)
	}

	c.metrics.RecordGamificationRequest("add_item", "ok")
	return nil
}

// UserItems lists a user's inventory, optionally filtered by category
// and item type.
func (c *Client) UserItems(ctx context.Context, userID, category, itemType string) ([]Item, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrapf(ErrAPIUnavailable, "acquire request slot: %v", err)
	}
	defer c.sem.Release(1)

	endpoint := fmt.Sprintf("%s/api/v1/gamification/users/%s/items", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "construct items request")
	}
	q := req.URL.Query()
	if category != "" {
		q.Set("category", category)
	}
	if itemType != "" {
		q.Set("type", itemType)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordGamificationRequest("user_items", "unavailable")
		return nil, errors.Wrapf(ErrAPIUnavailable, "list items for %s: %v", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		c.metrics.RecordGamificationRequest("user_items", "error")
		return nil, errors.Wrapf(ErrAPIUnavailable, "list items for %s: status %d, body: %s", userID, resp.StatusCode, b)
	}

	var out struct {
		Items []Item `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.metrics.RecordGamificationRequest("user_items", "error")
		return nil, errors.Wrap(err, "decode items response")
	}

	c.metrics.RecordGamificationRequest("user_items", "ok")
	return out.Items, nil
}
