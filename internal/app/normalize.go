package app

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/unicode/norm"

	"homewatch/internal/domain"
)

/********** field aliases **********/

var apiAliases = map[string][]string{
	"id":       {"propertyCode", "id"},
	"title":    {"suggestedTexts.title", "address"},
	"currency": {"currencySuffix"},
	"link":     {"url"},
	"address":  {"address"},
}

/********** tiny helpers **********/

// lookupAny: safe nested lookup with dot paths on maps.
func lookupAny(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := obj[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// lookupStr returns the trimmed string at path or "".
func lookupStr(m map[string]any, path string) string {
	if s, ok := lookupAny(m, path).(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstNonEmptyAlias(m map[string]any, key string) string {
	for _, p := range apiAliases[key] {
		if s := lookupStr(m, p); s != "" {
			return s
		}
	}
	return ""
}

// getFloatFlexible: number from several paths (float64/int/string like "8,0").
func getFloatFlexible(m map[string]any, paths ...string) *float64 {
	for _, k := range paths {
		switch v := lookupAny(m, k).(type) {
		case float64:
			f := v
			return &f
		case int:
			f := float64(v)
			return &f
		case int64:
			f := float64(v)
			return &f
		case string:
			s := strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
			if s == "" {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

// idFlexible: identifier as a string from string or numeric fields.
func idFlexible(m map[string]any, paths ...string) string {
	for _, k := range paths {
		switch v := lookupAny(m, k).(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			if v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10)
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func orSentinel(s, sentinel string) string {
	if strings.TrimSpace(s) == "" {
		return sentinel
	}
	return s
}

/********** normalizer **********/

// Normalizer maps raw records of either source onto domain.Listing. It has no
// side effects.
type Normalizer struct {
	siteBase *url.URL
	printer  *message.Printer
}

func NewNormalizer(siteBase string) *Normalizer {
	u, err := url.Parse(strings.TrimRight(siteBase, "/"))
	if err != nil || siteBase == "" {
		u, _ = url.Parse("https://www.idealista.com")
	}
	return &Normalizer{siteBase: u, printer: message.NewPrinter(language.English)}
}

// Normalize returns domain.ErrMissingID for records without an identifier.
func (n *Normalizer) Normalize(r domain.RawRecord) (domain.Listing, error) {
	if r.Fields == nil {
		return domain.Listing{}, domain.ErrMissingID
	}
	switch r.Kind {
	case domain.SourceAPI:
		return n.fromAPI(r.Fields)
	case domain.SourceScrape:
		return n.fromScrape(r.Fields)
	default:
		return domain.Listing{}, fmt.Errorf("normalize: unknown source kind %q", r.Kind)
	}
}

func (n *Normalizer) fromAPI(p map[string]any) (domain.Listing, error) {
	id := idFlexible(p, apiAliases["id"]...)
	if id == "" {
		return domain.Listing{}, domain.ErrMissingID
	}

	return domain.Listing{
		ID:       id,
		Title:    orSentinel(firstNonEmptyAlias(p, "title"), domain.NoTitle),
		Price:    n.formatPrice(getFloatFlexible(p, "price"), firstNonEmptyAlias(p, "currency")),
		SqMeters: formatSize(getFloatFlexible(p, "size")),
		Location: composeLocation(firstNonEmptyAlias(p, "address"), lookupStr(p, "neighborhood"), lookupStr(p, "district")),
		Link:     n.link(firstNonEmptyAlias(p, "link"), id),
		Source:   string(domain.SourceAPI),
	}, nil
}

func (n *Normalizer) fromScrape(p map[string]any) (domain.Listing, error) {
	id := lookupStr(p, "id")
	if id == "" {
		return domain.Listing{}, domain.ErrMissingID
	}

	size := strings.ReplaceAll(lookupStr(p, "sq_meters"), "mÂ²", "m²")

	return domain.Listing{
		ID:       id,
		Title:    orSentinel(norm.NFC.String(lookupStr(p, "title")), domain.NoTitle),
		Price:    orSentinel(lookupStr(p, "price"), domain.NotAvailable),
		SqMeters: orSentinel(size, domain.NotAvailable),
		Location: orSentinel(norm.NFC.String(lookupStr(p, "location")), domain.UnknownLocation),
		Link:     n.link(lookupStr(p, "link"), id),
		Source:   string(domain.SourceScrape),
	}, nil
}

// formatPrice renders 1250 as "1,250 €". Fractional amounts keep two decimals.
func (n *Normalizer) formatPrice(v *float64, currency string) string {
	if v == nil {
		return domain.NotAvailable
	}
	if currency == "" {
		currency = "€"
	}
	if *v == math.Trunc(*v) && math.Abs(*v) < 1e15 {
		return n.printer.Sprintf("%d", int64(*v)) + " " + currency
	}
	return n.printer.Sprintf("%.2f", *v) + " " + currency
}

func formatSize(v *float64) string {
	if v == nil {
		return domain.NotAvailable
	}
	return strconv.FormatFloat(*v, 'f', -1, 64) + " m²"
}

// composeLocation: "{address} ({neighborhood}, {district})", parentheses only
// when at least one annotation is present.
func composeLocation(address, neighborhood, district string) string {
	loc := orSentinel(address, domain.UnknownLocation)
	var extra []string
	if neighborhood != "" {
		extra = append(extra, neighborhood)
	}
	if district != "" {
		extra = append(extra, district)
	}
	if len(extra) > 0 {
		loc += " (" + strings.Join(extra, ", ") + ")"
	}
	return loc
}

func (n *Normalizer) link(raw, id string) string {
	if raw == "" {
		return n.siteBase.String() + "/inmueble/" + url.PathEscape(id) + "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return n.siteBase.ResolveReference(u).String()
}
