package sapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(ClientConfig{
		BaseURL: server.URL + "/",
		APIKey:  "secret",
		APIHost: "sapi.example",
		Timeout: 5 * time.Second,
	}, nil)
}

func TestClientFetch_Success(t *testing.T) {
	var gotPath, gotKey, gotHost string
	var gotQuery url.Values

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotKey = r.Header.Get("x-rapidapi-key")
		gotHost = r.Header.Get("x-rapidapi-host")
		w.Write([]byte(`{"shows":[],"hasMore":false,"nextCursor":null}`))
	})

	params := url.Values{"country": {"de"}, "catalogs": {"netflix,prime"}}
	body, err := client.Fetch(context.Background(), DefaultEndpoint, params)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if string(body) != `{"shows":[],"hasMore":false,"nextCursor":null}` {
		t.Errorf("unexpected body %s", body)
	}
	if gotPath != "/shows/search/filters" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotQuery.Get("country") != "de" || gotQuery.Get("catalogs") != "netflix,prime" {
		t.Errorf("unexpected query %v", gotQuery)
	}
	if gotQuery.Has("cursor") {
		t.Error("expected no cursor param")
	}
	if gotKey != "secret" || gotHost != "sapi.example" {
		t.Errorf("unexpected auth headers %q %q", gotKey, gotHost)
	}
}

func TestClientFetch_HTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	_, err := client.Fetch(context.Background(), DefaultEndpoint, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.StatusCode)
	}
	if httpErr.Body != "bad key" {
		t.Errorf("expected body 'bad key', got %q", httpErr.Body)
	}
}

func TestClientWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   int
		wantRetry int
	}{
		{"no retry on 401", []int{401}, 1, 401, 0},
		{"no retry on 404", []int{404}, 1, 404, 0},
		{"retry 429 then succeed", []int{429, 200}, 2, 0, 1},
		{"retry 5xx then succeed", []int{500, 503, 200}, 3, 0, 2},
		{"exhausted after three attempts", []int{502, 502, 502, 200}, 3, 502, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				status := tt.statuses[n-1]
				if status != http.StatusOK {
					w.WriteHeader(status)
					return
				}
				w.Write([]byte(`{"shows":[]}`))
			})

			retries := 0
			policy := fastPolicy()
			policy.OnRetry = func(context.Context, int, error, time.Duration) { retries++ }

			_, err := WithRetry(client, policy).Fetch(context.Background(), DefaultEndpoint, nil)

			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
			if retries != tt.wantRetry {
				t.Errorf("expected %d retries, got %d", tt.wantRetry, retries)
			}

			if tt.wantErr == 0 {
				if err != nil {
					t.Errorf("expected success, got %v", err)
				}
				return
			}

			var httpErr *HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.wantErr {
				t.Errorf("expected HTTP %d, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClientFetch_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	client := NewClient(ClientConfig{BaseURL: addr}, nil)
	_, err := client.Fetch(context.Background(), DefaultEndpoint, nil)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !IsTransient(err) {
		t.Errorf("expected connection error to be transient, got %v", err)
	}
}

func TestClientFetch_BadSchemeIsNotRetried(t *testing.T) {
	var calls int
	inner := NewClient(ClientConfig{BaseURL: "htp://provider.example"}, nil)
	counting := FetcherFunc(func(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
		calls++
		return inner.Fetch(ctx, endpoint, params)
	})

	_, err := WithRetry(counting, fastPolicy()).Fetch(context.Background(), DefaultEndpoint, nil)
	if err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	if IsTransient(err) {
		t.Errorf("expected %v to be permanent", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}
