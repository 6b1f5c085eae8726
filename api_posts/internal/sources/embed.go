package sources

import (
	"context"
	"net/url"

	"layeredge/pkg/logging"
	"layeredge/pkg/models"
)

const defaultEmbedBaseURL = "https://publish.twitter.com"

// Embed reads the public oEmbed endpoint. It carries no engagement counters
// and only a day-precision date, so records from it always have zero
// engagement and an approximate CreatedAt.
type Embed struct {
	opts Options
}

func NewEmbed(opts Options) *Embed {
	return &Embed{opts: opts.withDefaults(defaultEmbedBaseURL)}
}

func (e *Embed) Name() models.Source { return models.SourceEmbed }

type oembedResponse struct {
	URL        string `json:"url"`
	AuthorName string `json:"author_name"`
	AuthorURL  string `json:"author_url"`
	HTML       string `json:"html"`
}

func (e *Embed) Fetch(ctx context.Context, target PostURL) (models.PostRecord, error) {
	ctx, cancel := timeoutContext(ctx, e.opts.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("url", target.Normalized)
	q.Set("omit_script", "true")
	q.Set("dnt", "true")
	endpoint := e.opts.BaseURL + "/oembed?" + q.Encode()

	var body oembedResponse
	if err := getJSON(ctx, e.opts, models.SourceEmbed, endpoint, nil, &body); err != nil {
		return models.PostRecord{}, err
	}

	markup, ok := parseEmbedHTML(body.HTML)
	if !ok {
		return models.PostRecord{}, newError(KindNetwork, models.SourceEmbed, "embed markup has no post text")
	}

	profileHandle, _ := HandleFromProfileURL(body.AuthorURL)
	author := resolveAuthor(profileHandle, target, body.AuthorName)
	if author.LowConfidence() {
		e.opts.Logger.WithFields(logging.Fields{
			"post_id":      target.ID,
			"display_name": author.DisplayName,
		}).Warn("Embed response has no usable handle; username taken from display name")
	}

	return buildRecord(e.opts, models.SourceEmbed, target, e.opts.Now(), recordParts{
		content:     markup.Text,
		author:      author,
		engagement:  models.Engagement{},
		createdAt:   markup.Date,
		approximate: true,
	}), nil
}
