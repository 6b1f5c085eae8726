package sources

import (
	"strings"
	"time"

	"golang.org/x/net/html"
)

// embedDateLayouts are the forms the trailing permalink text takes in embed markup.
var embedDateLayouts = []string{"January 2, 2006", "Jan 2, 2006", "2 January 2006"}

// embedMarkup is what can be recovered from an embed blockquote.
type embedMarkup struct {
	Text string
	// Date is the day from the trailing permalink, zero when absent.
	Date time.Time
}

// parseEmbedHTML extracts the post text from the first <p> inside the first
// <blockquote>, and the date from the blockquote's last direct <a>.
func parseEmbedHTML(fragment string) (embedMarkup, bool) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return embedMarkup{}, false
	}

	var quote *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if quote != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "blockquote" {
			quote = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	if quote == nil {
		return embedMarkup{}, false
	}

	var out embedMarkup
	var para, lastLink *html.Node
	for c := quote.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "p":
			if para == nil {
				para = c
			}
		case "a":
			lastLink = c
		}
	}

	if para != nil {
		out.Text = nodeText(para)
	} else {
		out.Text = nodeText(quote)
	}
	if lastLink != nil {
		label := strings.TrimSpace(nodeText(lastLink))
		for _, layout := range embedDateLayouts {
			if t, err := time.Parse(layout, label); err == nil {
				out.Date = t.UTC()
				break
			}
		}
	}
	return out, out.Text != ""
}

// nodeText flattens n's text, turning <br> into newlines and collapsing
// runs of spaces.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			switch n.Data {
			case "script", "style":
				return
			case "br":
				b.WriteString("\n")
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	lines := strings.Split(b.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
