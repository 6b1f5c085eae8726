package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"layeredge/pkg/clients"
	"layeredge/pkg/logging"
	"layeredge/pkg/models"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
	userAgent       = "layeredge-posts/1.0"
)

// Adapter fetches one post from one upstream.
type Adapter interface {
	Name() models.Source
	Fetch(ctx context.Context, target PostURL) (models.PostRecord, error)
}

// Options are shared by every adapter.
type Options struct {
	BaseURL string
	// Timeout bounds one Fetch including retries.
	Timeout   time.Duration
	Keywords  models.KeywordSet
	Requester *clients.Requester
	Logger    logging.Logger
	Now       func() time.Time
}

func (o Options) withDefaults(baseURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Requester == nil {
		o.Requester = clients.NewRequester(clients.NewHTTPClient(o.Timeout), clients.DefaultHTTPExecutorConfig())
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// getJSON performs a GET and decodes a 2xx body into dst. Every failure comes
// back as a classified *Error.
func getJSON(ctx context.Context, o Options, source models.Source, endpoint string, header http.Header, dst any) error {
	resp, err := o.Requester.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		return req, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(KindNetwork, source, "timed out: %w", err)
		}
		return &Error{Kind: KindNetwork, Source: source, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(source, resp, o.Now()); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return newError(KindNetwork, source, "read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return newError(KindNotFound, source, "empty response")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return newError(KindNetwork, source, "decode response: %w", err)
	}
	return nil
}

func classifyStatus(source models.Source, resp *http.Response, now time.Time) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return newError(KindNotFound, source, "upstream status %d", code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return newError(KindUnauthorized, source, "upstream status %d", code)
	case code == http.StatusTooManyRequests:
		e := newError(KindRateLimited, source, "upstream status %d", code)
		e.RetryAfter = parseRetryAfter(resp.Header, now)
		return e
	default:
		return newError(KindNetwork, source, "upstream status %d", code)
	}
}

// parseRetryAfter reads x-rate-limit-reset (unix seconds) or Retry-After
// (seconds or HTTP date). Zero when neither is usable.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

// resolveAuthor applies the username precedence: profile handle, then the
// handle in the requested URL, then the display name.
func resolveAuthor(profileHandle string, target PostURL, displayName string) models.Author {
	a := models.Author{DisplayName: strings.TrimSpace(displayName)}
	switch {
	case profileHandle != "":
		a.Username = profileHandle
		a.UsernameSource = models.UsernameFromProfileURL
	case target.Handle != "":
		a.Username = target.Handle
		a.UsernameSource = models.UsernameFromRequestURL
	default:
		a.Username = a.DisplayName
		a.UsernameSource = models.UsernameFromDisplay
	}
	return a
}

type recordParts struct {
	content     string
	author      models.Author
	engagement  models.Engagement
	createdAt   time.Time
	approximate bool
}

func buildRecord(o Options, source models.Source, target PostURL, fetchedAt time.Time, p recordParts) models.PostRecord {
	created := p.createdAt
	approx := p.approximate
	if created.IsZero() {
		created = fetchedAt
		approx = true
	}
	return models.PostRecord{
		ID:                      target.ID,
		URL:                     target.Normalized,
		Content:                 p.content,
		Author:                  p.author,
		Engagement:              p.engagement,
		CreatedAt:               models.NormalizeTime(created),
		CreatedAtApproximate:    approx,
		Source:                  source,
		MatchesRequiredKeywords: o.Keywords.Matches(p.content),
		FetchedAt:               models.NormalizeTime(fetchedAt),
	}
}

// count decodes counters that upstreams send as numbers, numeric strings,
// floats or null. Anything unusable decodes to zero.
type count int64

func (c *count) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*c = count(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f < 1e18 {
		*c = count(f)
		return nil
	}
	*c = 0
	return nil
}

func (c count) Int64() int64 { return int64(c) }

func timeoutContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func wrapf(kind Kind, source models.Source, err error, msg string) *Error {
	return &Error{Kind: kind, Source: source, Err: fmt.Errorf("%s: %w", msg, err)}
}
