package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
)

// FakeProvider serves scripted pages keyed by the request cursor. The first
// page, requested without a cursor, is registered under "".
type FakeProvider struct {
	mu        sync.Mutex
	pages     map[string][]byte
	failures  map[string][]error
	calls     []url.Values
	endpoints []string
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		pages:    make(map[string][]byte),
		failures: make(map[string][]error),
	}
}

// SetPage registers the body returned for cursor
func (f *FakeProvider) SetPage(cursor string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cursor] = body
}

// FailNext queues err for the next request with cursor. Queued errors are
// returned in order before the page is served again.
func (f *FakeProvider) FailNext(cursor string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[cursor] = append(f.failures[cursor], err)
}

// Fetch records the request and returns the scripted response
func (f *FakeProvider) Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make(url.Values, len(params))
	for k, v := range params {
		copied[k] = append([]string(nil), v...)
	}
	f.calls = append(f.calls, copied)
	f.endpoints = append(f.endpoints, endpoint)

	cursor := params.Get("cursor")
	if queued := f.failures[cursor]; len(queued) > 0 {
		f.failures[cursor] = queued[1:]
		return nil, queued[0]
	}

	body, ok := f.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("fake provider: no page for cursor %q", cursor)
	}
	return body, nil
}

// Calls returns the params of every request so far
func (f *FakeProvider) Calls() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]url.Values, len(f.calls))
	copy(result, f.calls)
	return result
}

// CallCount returns the number of requests so far
func (f *FakeProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Endpoints returns the endpoint of every request so far
func (f *FakeProvider) Endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]string, len(f.endpoints))
	copy(result, f.endpoints)
	return result
}

// PageBody builds a provider response. An empty nextCursor is sent as null.
func PageBody(hasMore bool, nextCursor string, shows ...json.RawMessage) []byte {
	if shows == nil {
		shows = []json.RawMessage{}
	}

	var cursor *string
	if nextCursor != "" {
		cursor = &nextCursor
	}

	body, err := json.Marshal(map[string]any{
		"shows":      shows,
		"hasMore":    hasMore,
		"nextCursor": cursor,
	})
	if err != nil {
		panic(err)
	}
	return body
}

// Show builds a movie item with one subscription offer in "de" per service
// and a single vertical poster.
func Show(id, title string, services ...string) json.RawMessage {
	offers := make([]map[string]any, 0, len(services))
	for _, s := range services {
		offers = append(offers, map[string]any{
			"service":        map[string]any{"id": s, "name": s},
			"type":           "subscription",
			"link":           "https://www." + s + ".example/title/" + id,
			"videoLink":      "https://www." + s + ".example/watch/" + id,
			"quality":        "hd",
			"audios":         []map[string]any{{"language": "deu"}},
			"subtitles":      []map[string]any{{"closedCaptions": false, "locale": map[string]any{"language": "eng"}}},
			"availableSince": 1700000000,
			"expiresSoon":    false,
		})
	}

	body, err := json.Marshal(map[string]any{
		"id":               id,
		"imdbId":           "tt" + id,
		"title":            title,
		"showType":         "movie",
		"releaseYear":      2020,
		"streamingOptions": map[string]any{"de": offers},
		"imageSet": map[string]any{
			"verticalPoster": map[string]any{"w240": "https://img.example/" + id + "/240.jpg"},
		},
	})
	if err != nil {
		panic(err)
	}
	return body
}
