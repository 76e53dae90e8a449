package browser

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"homewatch/internal/adapters/observability"
	"homewatch/internal/domain"
)

// Markup hooks on the search results page.
const (
	selContainer = "article.item"
	selLink      = "a.item-link"
	selPrice     = "span.item-price"
	selDetail    = "span.item-detail"
	attrID       = "data-element-id"

	titleSep = " en "
)

// Extract walks every listing container in html and returns one raw record
// per container carrying an identifier. Containers without one, or that fail
// to parse, are reported in Batch.Dropped and never stop the walk.
func Extract(r io.Reader, siteBase string) (domain.Batch, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return domain.Batch{}, domain.ParseError("browser.Extract", err)
	}
	base, err := url.Parse(siteBase)
	if err != nil || siteBase == "" {
		base, _ = url.Parse(DefaultSiteBase)
	}

	logger := observability.Named("browser")
	var batch domain.Batch
	doc.Find(selContainer).Each(func(i int, s *goquery.Selection) {
		fields, reason := extractOne(s, base)
		if reason != "" {
			logger.Warn().Int("idx", i).Str("reason", reason).Msg("listing container skipped")
			batch.Dropped = append(batch.Dropped, domain.Dropped{Index: i, Reason: reason})
			return
		}
		batch.Records = append(batch.Records, domain.RawRecord{Kind: domain.SourceScrape, Fields: fields})
	})
	return batch, nil
}

func extractOne(s *goquery.Selection, base *url.URL) (fields map[string]any, reason string) {
	defer func() {
		if r := recover(); r != nil {
			fields, reason = nil, fmt.Sprintf("malformed container: %v", r)
		}
	}()

	id := strings.TrimSpace(s.AttrOr(attrID, ""))
	if id == "" {
		return nil, "container has no " + attrID
	}

	fields = map[string]any{"id": id}

	link := s.Find(selLink).First()
	if link.Length() > 0 {
		title, location := splitTitle(collapse(link.Text()))
		fields["title"] = title
		if location != "" {
			fields["location"] = location
		}
		if href, ok := link.Attr("href"); ok && strings.TrimSpace(href) != "" {
			fields["link"] = resolve(base, strings.TrimSpace(href))
		}
	}

	if p := collapse(s.Find(selPrice).First().Text()); p != "" {
		fields["price"] = p
	}

	s.Find(selDetail).EachWithBreak(func(_ int, d *goquery.Selection) bool {
		t := collapse(d.Text())
		if isSize(t) {
			fields["sq_meters"] = t
			return false
		}
		return true
	})
	return fields, ""
}

// splitTitle splits "Piso en Calle Mayor" into type and location on the
// first separator; without one the whole phrase is the title.
func splitTitle(raw string) (title, location string) {
	if i := strings.Index(raw, titleSep); i >= 0 {
		return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+len(titleSep):])
	}
	return raw, ""
}

// isSize matches the square-metre marker, including its mis-decoded form.
func isSize(s string) bool {
	return strings.Contains(s, "m²") || strings.Contains(s, "mÂ²")
}

func resolve(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(u).String()
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }
