package models

import (
	"strings"
	"time"
)

// Source identifies which upstream produced a PostRecord.
type Source string

const (
	SourceEmbed  Source = "embed"
	SourceScrape Source = "scrape"
	SourceAPI    Source = "api"
)

// UsernameSource records where Author.Username came from, most to least trusted.
type UsernameSource string

const (
	UsernameFromProfileURL UsernameSource = "profile_url"
	UsernameFromRequestURL UsernameSource = "request_url"
	UsernameFromDisplay    UsernameSource = "display_name"
)

// PostRecord is the normalized result of fetching a post from any source.
// Records are passed by value and never updated in place once returned.
type PostRecord struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Content    string     `json:"content"`
	Author     Author     `json:"author"`
	Engagement Engagement `json:"engagement"`
	CreatedAt  time.Time  `json:"created_at"`
	// CreatedAtApproximate is set when the source had no timestamp and
	// CreatedAt holds the fetch time instead.
	CreatedAtApproximate    bool      `json:"created_at_approximate"`
	Source                  Source    `json:"source"`
	MatchesRequiredKeywords bool      `json:"matches_required_keywords"`
	FetchedAt               time.Time `json:"fetched_at"`
}

// Author of a post.
type Author struct {
	ID              string         `json:"id,omitempty"`
	Username        string         `json:"username"`
	DisplayName     string         `json:"display_name"`
	ProfileImageURL string         `json:"profile_image_url,omitempty"`
	UsernameSource  UsernameSource `json:"username_source"`
}

// LowConfidence reports whether the username was only derived from a display
// name. Such usernames must not be used for authorship decisions.
func (a Author) LowConfidence() bool {
	return a.UsernameSource == UsernameFromDisplay || a.Username == ""
}

// Engagement counters. Sources that cannot report a metric leave it at zero.
type Engagement struct {
	Likes   int `json:"likes"`
	Reposts int `json:"reposts"`
	Replies int `json:"replies"`
	Quotes  int `json:"quotes"`
}

// NewEngagement builds counters from raw upstream values, clamping anything
// negative to zero.
func NewEngagement(likes, reposts, replies, quotes int64) Engagement {
	return Engagement{
		Likes:   ClampCount(likes),
		Reposts: ClampCount(reposts),
		Replies: ClampCount(replies),
		Quotes:  ClampCount(quotes),
	}
}

// Total is the sum of all counters.
func (e Engagement) Total() int {
	return e.Likes + e.Reposts + e.Replies + e.Quotes
}

// ClampCount converts an upstream counter to a non-negative int.
func ClampCount(v int64) int {
	if v <= 0 {
		return 0
	}
	const maxInt = int64(^uint(0) >> 1)
	if v > maxInt {
		return int(maxInt)
	}
	return int(v)
}

// NormalizeTime returns t in UTC with sub-second precision dropped, so a
// record encodes the same way before and after a cache round trip.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

// KeywordSet is a small case-insensitive set of required content keywords.
type KeywordSet struct {
	words []string
}

// NewKeywordSet lower-cases and de-duplicates the given keywords.
func NewKeywordSet(words ...string) KeywordSet {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return KeywordSet{words: out}
}

// DefaultKeywords are the community mentions a qualifying post must contain.
func DefaultKeywords() KeywordSet {
	return NewKeywordSet("@layeredge", "$edgen")
}

// Matches reports whether content contains any keyword.
func (k KeywordSet) Matches(content string) bool {
	if len(k.words) == 0 || content == "" {
		return false
	}
	lower := strings.ToLower(content)
	for _, w := range k.words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Words returns a copy of the configured keywords.
func (k KeywordSet) Words() []string {
	return append([]string(nil), k.words...)
}
