package sources

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"layeredge/pkg/models"
)

const defaultAPIBaseURL = "https://api.x.com"

// API calls the authenticated v2 lookup endpoint. Calls are paced locally so
// the quota is spread over the window instead of burned in a burst.
type API struct {
	opts    Options
	token   string
	limiter *rate.Limiter
}

// NewAPI builds the adapter. requestsPerMinute <= 0 disables local pacing.
func NewAPI(opts Options, bearerToken string, requestsPerMinute int) *API {
	a := &API{
		opts:  opts.withDefaults(defaultAPIBaseURL),
		token: strings.TrimSpace(bearerToken),
	}
	if requestsPerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
	return a
}

func (a *API) Name() models.Source { return models.SourceAPI }

// Configured reports whether a bearer token is present.
func (a *API) Configured() bool { return a.token != "" }

type apiMetrics struct {
	LikeCount    count `json:"like_count"`
	RetweetCount count `json:"retweet_count"`
	ReplyCount   count `json:"reply_count"`
	QuoteCount   count `json:"quote_count"`
}

type apiTweet struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	AuthorID      string     `json:"author_id"`
	CreatedAt     string     `json:"created_at"`
	PublicMetrics apiMetrics `json:"public_metrics"`
}

type apiUser struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profile_image_url"`
}

type apiProblem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type apiResponse struct {
	Data     *apiTweet `json:"data"`
	Includes struct {
		Users []apiUser `json:"users"`
	} `json:"includes"`
	Errors []apiProblem `json:"errors"`
}

func (a *API) Fetch(ctx context.Context, target PostURL) (models.PostRecord, error) {
	if a.token == "" {
		return models.PostRecord{}, newError(KindUnauthorized, models.SourceAPI, "no bearer token configured")
	}
	q := url.Values{}
	q.Set("expansions", "author_id")
	q.Set("tweet.fields", "created_at,public_metrics,author_id")
	q.Set("user.fields", "username,name,profile_image_url")
	endpoint := a.opts.BaseURL + "/2/tweets/" + url.PathEscape(target.ID) + "?" + q.Encode()

	var body apiResponse
	if err := a.get(ctx, endpoint, &body); err != nil {
		return models.PostRecord{}, err
	}
	if body.Data == nil {
		return models.PostRecord{}, problemError(body.Errors, "response has no post")
	}

	var user apiUser
	for _, u := range body.Includes.Users {
		if u.ID == body.Data.AuthorID {
			user = u
			break
		}
	}
	author := resolveAuthor(strings.TrimSpace(user.Username), target, user.Name)
	author.ID = body.Data.AuthorID
	author.ProfileImageURL = user.ProfileImageURL

	created, _ := time.Parse(time.RFC3339, body.Data.CreatedAt)
	m := body.Data.PublicMetrics
	return buildRecord(a.opts, models.SourceAPI, target, a.opts.Now(), recordParts{
		content:    strings.TrimSpace(body.Data.Text),
		author:     author,
		engagement: models.NewEngagement(m.LikeCount.Int64(), m.RetweetCount.Int64(), m.ReplyCount.Int64(), m.QuoteCount.Int64()),
		createdAt:  created,
	}), nil
}

// get paces, authenticates and decodes one v2 call within the adapter timeout.
func (a *API) get(ctx context.Context, endpoint string, dst any) error {
	ctx, cancel := timeoutContext(ctx, a.opts.Timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return wrapf(KindNetwork, models.SourceAPI, err, "wait for local pacing")
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token)
	return getJSON(ctx, a.opts, models.SourceAPI, endpoint, header, dst)
}

// problemError classifies the errors array of a v2 response without data.
func problemError(problems []apiProblem, fallback string) *Error {
	for _, p := range problems {
		if strings.HasSuffix(p.Type, "/resource-not-found") || strings.Contains(strings.ToLower(p.Title), "not found") {
			return newError(KindNotFound, models.SourceAPI, "%s", p.Detail)
		}
		if strings.HasSuffix(p.Type, "/not-authorized-for-resource") {
			return newError(KindUnauthorized, models.SourceAPI, "%s", p.Detail)
		}
	}
	return newError(KindNotFound, models.SourceAPI, "%s", fallback)
}
