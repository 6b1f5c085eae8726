package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"layeredge/pkg/clients"
	"layeredge/pkg/models"
)

var fixedNow = time.Date(2025, 5, 6, 7, 8, 9, 500, time.UTC)

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:  baseURL,
		Timeout:  2 * time.Second,
		Keywords: models.DefaultKeywords(),
		Requester: clients.NewRequester(clients.NewHTTPClient(time.Second), clients.HTTPExecutorConfig{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   time.Millisecond,
		}),
		Now: func() time.Time { return fixedNow },
	}
}

func mustParse(t *testing.T, raw string) PostURL {
	t.Helper()
	u, err := ParsePostURL(raw, nil)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}

func jsonServer(t *testing.T, status int, body string, check func(*http.Request)) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestEmbed_ExampleScenario(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK,
		`{"author_url":"https://example.com/alice","author_name":"Alice A.","html":"<blockquote><p>hello @layeredge</p></blockquote>"}`,
		func(r *http.Request) {
			if r.URL.Path != "/oembed" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if got := r.URL.Query().Get("url"); got != "https://example.com/alice/status/42" {
				t.Errorf("unexpected url param %s", got)
			}
		})

	rec, err := NewEmbed(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://example.com/u/alice/status/42"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.Author.Username != "alice" || rec.Author.UsernameSource != models.UsernameFromProfileURL {
		t.Fatalf("unexpected author %+v", rec.Author)
	}
	if !rec.MatchesRequiredKeywords {
		t.Fatal("expected keyword match")
	}
	if rec.Engagement != (models.Engagement{}) {
		t.Fatalf("expected zero engagement, got %+v", rec.Engagement)
	}
	if rec.Source != models.SourceEmbed || rec.ID != "42" || rec.Content != "hello @layeredge" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.CreatedAtApproximate || !rec.CreatedAt.Equal(models.NormalizeTime(fixedNow)) {
		t.Fatalf("expected fetch time as approximate created_at, got %v", rec.CreatedAt)
	}
}

func TestEmbed_UsernamePrecedence(t *testing.T) {
	t.Run("request url when profile missing", func(t *testing.T) {
		srv, _ := jsonServer(t, http.StatusOK, `{"author_name":"Bob","html":"<blockquote><p>hi</p></blockquote>"}`, nil)
		rec, err := NewEmbed(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://x.com/bob/status/1"))
		if err != nil {
			t.Fatal(err)
		}
		if rec.Author.Username != "bob" || rec.Author.UsernameSource != models.UsernameFromRequestURL {
			t.Fatalf("unexpected author %+v", rec.Author)
		}
	})
	t.Run("display name last", func(t *testing.T) {
		srv, _ := jsonServer(t, http.StatusOK, `{"author_name":"Carol","html":"<blockquote><p>hi</p></blockquote>"}`, nil)
		rec, err := NewEmbed(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://x.com/i/web/status/1"))
		if err != nil {
			t.Fatal(err)
		}
		if rec.Author.Username != "Carol" || !rec.Author.LowConfidence() {
			t.Fatalf("expected low-confidence display-name author, got %+v", rec.Author)
		}
	})
}

func TestAdapters_StatusClassification(t *testing.T) {
	reset := fixedNow.Add(90 * time.Second).Unix()
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		wantKind  Kind
		wantRetry time.Duration
		wantHits  int32
	}{
		{name: "not found", status: http.StatusNotFound, wantKind: KindNotFound, wantHits: 1},
		{name: "forbidden", status: http.StatusForbidden, wantKind: KindUnauthorized, wantHits: 1},
		{name: "rate limited reset", status: http.StatusTooManyRequests, header: map[string]string{"x-rate-limit-reset": strconv.FormatInt(reset, 10)}, wantKind: KindRateLimited, wantRetry: 90*time.Second - 500, wantHits: 1},
		{name: "rate limited retry-after", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "30"}, wantKind: KindRateLimited, wantRetry: 30 * time.Second, wantHits: 1},
		{name: "server error retried", status: http.StatusBadGateway, wantKind: KindNetwork, wantHits: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&hits, 1)
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewScrape(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://x.com/a/status/1"))
			if KindOf(err) != tt.wantKind {
				t.Fatalf("expected %s, got %v", tt.wantKind, err)
			}
			if got := RetryAfterOf(err); got != tt.wantRetry {
				t.Fatalf("expected retry after %v, got %v", tt.wantRetry, got)
			}
			if got := atomic.LoadInt32(&hits); got != tt.wantHits {
				t.Fatalf("expected %d hits, got %d", tt.wantHits, got)
			}
		})
	}
}

func TestAdapters_TimeoutIsNetwork(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	opts := testOptions(srv.URL)
	opts.Timeout = 50 * time.Millisecond
	_, err := NewEmbed(opts).Fetch(context.Background(), mustParse(t, "https://x.com/a/status/1"))
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network kind for timeout, got %v", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Source != models.SourceEmbed {
		t.Fatalf("expected classified embed error, got %T", err)
	}
}

func TestAdapters_MalformedBodyIsNetwork(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"html":`, nil)
	_, err := NewEmbed(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://x.com/a/status/1"))
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network kind, got %v", err)
	}
}

func TestEmbed_UnparsableMarkupIsNetwork(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"author_url":"https://x.com/a","html":"<div>no quote here</div>"}`, nil)
	_, err := NewEmbed(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://x.com/a/status/1"))
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network kind, got %v", err)
	}
}

func TestScrape_ParsesAndClampsEngagement(t *testing.T) {
	body := `{
		"__typename":"Tweet","id_str":"42","text":"shipping $EDGEN",
		"created_at":"2025-01-02T03:04:05.000Z",
		"favorite_count":-5,"retweet_count":"12","conversation_count":null,"quote_count":3.0,
		"user":{"id_str":"9","name":"Totally Not Alice","screen_name":"alice","profile_image_url_https":"https://img/a.png"}
	}`
	srv, _ := jsonServer(t, http.StatusOK, body, func(r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/tweet-result" || q.Get("id") != "42" || q.Get("token") == "" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
	})

	rec, err := NewScrape(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://x.com/someone/status/42"))
	if err != nil {
		t.Fatal(err)
	}
	want := models.Engagement{Likes: 0, Reposts: 12, Replies: 0, Quotes: 3}
	if rec.Engagement != want {
		t.Fatalf("expected clamped engagement %+v, got %+v", want, rec.Engagement)
	}
	if rec.Author.Username != "alice" || rec.Author.DisplayName != "Totally Not Alice" || rec.Author.ID != "9" {
		t.Fatalf("unexpected author %+v", rec.Author)
	}
	if rec.CreatedAtApproximate || !rec.CreatedAt.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected created_at %v approx=%v", rec.CreatedAt, rec.CreatedAtApproximate)
	}
	if !rec.MatchesRequiredKeywords || rec.Source != models.SourceScrape {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestScrape_TombstoneAndEmpty(t *testing.T) {
	for _, body := range []string{`{"__typename":"TweetTombstone"}`, `{}`, ``} {
		srv, _ := jsonServer(t, http.StatusOK, body, nil)
		_, err := NewScrape(testOptions(srv.URL)).Fetch(context.Background(), mustParse(t, "https://x.com/a/status/1"))
		if KindOf(err) != KindNotFound {
			t.Fatalf("body %q: expected not_found, got %v", body, err)
		}
	}
}

func TestAPI_Fetch(t *testing.T) {
	body := `{
		"data":{"id":"42","text":"hello @layeredge","author_id":"7","created_at":"2025-02-03T04:05:06.000Z",
			"public_metrics":{"like_count":10,"retweet_count":2,"reply_count":1,"quote_count":-1}},
		"includes":{"users":[{"id":"7","name":"Alice","username":"alice"}]}
	}`
	srv, _ := jsonServer(t, http.StatusOK, body, func(r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if r.URL.Path != "/2/tweets/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	rec, err := NewAPI(testOptions(srv.URL), "secret", 0).Fetch(context.Background(), mustParse(t, "https://x.com/alice/status/42"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Engagement != (models.Engagement{Likes: 10, Reposts: 2, Replies: 1, Quotes: 0}) {
		t.Fatalf("unexpected engagement %+v", rec.Engagement)
	}
	if rec.Author.Username != "alice" || rec.Author.ID != "7" || rec.Source != models.SourceAPI {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestAPI_ErrorsPayloadNotFound(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK,
		`{"errors":[{"type":"https://api.x.com/2/problems/resource-not-found","title":"Not Found Error","detail":"Could not find tweet with id: [1]."}]}`, nil)
	_, err := NewAPI(testOptions(srv.URL), "secret", 0).Fetch(context.Background(), mustParse(t, "https://x.com/a/status/1"))
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestAPI_NoTokenIsUnauthorized(t *testing.T) {
	srv, hits := jsonServer(t, http.StatusOK, `{}`, nil)
	a := NewAPI(testOptions(srv.URL), "", 60)
	if a.Configured() {
		t.Fatal("expected unconfigured adapter")
	}
	_, err := a.Fetch(context.Background(), mustParse(t, "https://x.com/a/status/1"))
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if atomic.LoadInt32(hits) != 0 {
		t.Fatal("no request should be sent without a token")
	}
}

func TestSyndicationToken(t *testing.T) {
	a := syndicationToken("1790000000000000000")
	if a == "" || a == "0" {
		t.Fatalf("expected a token, got %q", a)
	}
	if a != syndicationToken("1790000000000000000") {
		t.Fatal("token must be deterministic")
	}
	for _, r := range a {
		if r == '0' || r == '.' {
			t.Fatalf("token %q must not contain zeros or a point", a)
		}
	}
	if syndicationToken("abc") != "0" {
		t.Fatal("invalid ids fall back to 0")
	}
}
