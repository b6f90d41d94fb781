package autonomous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Item is one feed post.
type Item struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	Text     string `json:"text"`
}

// FeedProvider returns the feed's current items, oldest first.
type FeedProvider func(ctx context.Context) ([]Item, error)

// FeedClient talks to a feed server: GET /feed for items, POST /feed to
// publish. The demo server in this package speaks the same shape.
type FeedClient struct {
	baseURL string
	client  *http.Client
}

// NewFeedClient builds a client for baseURL. httpClient may be nil.
func NewFeedClient(baseURL string, httpClient *http.Client) *FeedClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &FeedClient{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// Fetch returns the feed's items. Both a bare array and an
// {"items": [...]} wrapper decode.
func (f *FeedClient) Fetch(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/feed", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed answered %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}

	var items []Item
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return wrapped.Items, nil
}

// Post publishes text to the feed, optionally threaded under threadID.
func (f *FeedClient) Post(ctx context.Context, text, threadID string) (Item, error) {
	payload, err := json.Marshal(map[string]string{"text": text, "thread_id": threadID})
	if err != nil {
		return Item{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/feed", bytes.NewReader(payload))
	if err != nil {
		return Item{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("post to feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Item{}, fmt.Errorf("feed answered %d to post", resp.StatusCode)
	}
	var item Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return Item{}, fmt.Errorf("decode posted item: %w", err)
	}
	return item, nil
}

// Provider adapts the client to the loop's FeedProvider shape.
func (f *FeedClient) Provider() FeedProvider {
	return f.Fetch
}
