package sources

import (
	"context"
	"net/url"
	"strings"
	"time"

	"layeredge/pkg/models"
)

// UserAdapter looks up one account profile from one upstream.
type UserAdapter interface {
	Name() models.Source
	FetchUser(ctx context.Context, handle string) (models.UserInfo, error)
}

type apiUserMetrics struct {
	FollowersCount count `json:"followers_count"`
	FollowingCount count `json:"following_count"`
}

type apiProfile struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Username        string         `json:"username"`
	Description     string         `json:"description"`
	Location        string         `json:"location"`
	URL             string         `json:"url"`
	Verified        bool           `json:"verified"`
	CreatedAt       string         `json:"created_at"`
	ProfileImageURL string         `json:"profile_image_url"`
	PublicMetrics   apiUserMetrics `json:"public_metrics"`
}

type apiUserResponse struct {
	Data   *apiProfile  `json:"data"`
	Errors []apiProblem `json:"errors"`
}

// FetchUser reads the full profile from the v2 username lookup.
func (a *API) FetchUser(ctx context.Context, handle string) (models.UserInfo, error) {
	if a.token == "" {
		return models.UserInfo{}, newError(KindUnauthorized, models.SourceAPI, "no bearer token configured")
	}
	q := url.Values{}
	q.Set("user.fields", "created_at,description,location,public_metrics,verified,profile_image_url,url")
	endpoint := a.opts.BaseURL + "/2/users/by/username/" + url.PathEscape(handle) + "?" + q.Encode()

	var body apiUserResponse
	if err := a.get(ctx, endpoint, &body); err != nil {
		return models.UserInfo{}, err
	}
	if body.Data == nil {
		return models.UserInfo{}, problemError(body.Errors, "response has no user")
	}

	p := body.Data
	info := models.UserInfo{
		Username:        firstNonEmpty(strings.TrimSpace(p.Username), handle),
		DisplayName:     firstNonEmpty(strings.TrimSpace(p.Name), handle),
		Bio:             strings.TrimSpace(p.Description),
		FollowersCount:  models.ClampCount(p.PublicMetrics.FollowersCount.Int64()),
		FollowingCount:  models.ClampCount(p.PublicMetrics.FollowingCount.Int64()),
		Verified:        p.Verified,
		Location:        strings.TrimSpace(p.Location),
		Website:         strings.TrimSpace(p.URL),
		ProfileImageURL: p.ProfileImageURL,
		Source:          models.SourceAPI,
		FetchedAt:       models.NormalizeTime(a.opts.Now()),
	}
	if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		info.JoinDate = models.NormalizeTime(t)
	}
	return info, nil
}

type followButtonInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ScreenName     string `json:"screen_name"`
	FollowersCount count  `json:"followers_count"`
	Verified       bool   `json:"verified"`
}

// FetchUser reads the follow button widget data. It carries no bio,
// location or following count, so results are marked partial.
func (s *Scrape) FetchUser(ctx context.Context, handle string) (models.UserInfo, error) {
	ctx, cancel := timeoutContext(ctx, s.opts.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("screen_names", handle)
	endpoint := s.opts.BaseURL + "/widgets/followbutton/info.json?" + q.Encode()

	var body []followButtonInfo
	if err := getJSON(ctx, s.opts, models.SourceScrape, endpoint, nil, &body); err != nil {
		return models.UserInfo{}, err
	}
	for _, u := range body {
		if !strings.EqualFold(u.ScreenName, handle) {
			continue
		}
		return models.UserInfo{
			Username:       firstNonEmpty(strings.TrimSpace(u.ScreenName), handle),
			DisplayName:    firstNonEmpty(strings.TrimSpace(u.Name), handle),
			FollowersCount: models.ClampCount(u.FollowersCount.Int64()),
			Verified:       u.Verified,
			Source:         models.SourceScrape,
			Partial:        true,
			FetchedAt:      models.NormalizeTime(s.opts.Now()),
		}, nil
	}
	return models.UserInfo{}, newError(KindNotFound, models.SourceScrape, "no account named %s", handle)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
