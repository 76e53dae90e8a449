package app_test

import (
	"errors"
	"testing"

	"homewatch/internal/app"
	"homewatch/internal/domain"
)

func apiRecord(fields map[string]any) domain.RawRecord {
	return domain.RawRecord{Kind: domain.SourceAPI, Fields: fields}
}

func TestNormalize_APIFullRecord(t *testing.T) {
	n := app.NewNormalizer("https://www.idealista.com")
	l, err := n.Normalize(apiRecord(map[string]any{
		"propertyCode":   "101",
		"suggestedTexts": map[string]any{"title": "Piso en Calle Mayor"},
		"address":        "Calle Mayor",
		"price":          1250.0,
		"currencySuffix": "€/mes",
		"size":           85.0,
		"neighborhood":   "Sol",
		"district":       "Centro",
		"url":            "https://www.idealista.com/inmueble/101/",
	}))
	if err != nil {
		t.Fatal(err)
	}
	want := domain.Listing{
		ID:       "101",
		Title:    "Piso en Calle Mayor",
		Price:    "1,250 €/mes",
		SqMeters: "85 m²",
		Location: "Calle Mayor (Sol, Centro)",
		Link:     "https://www.idealista.com/inmueble/101/",
		Source:   "api",
	}
	if l != want {
		t.Fatalf("got %+v\nwant %+v", l, want)
	}
}

func TestNormalize_APILocationWithoutAnnotations(t *testing.T) {
	n := app.NewNormalizer("")
	for _, addr := range []string{"Calle Mayor", "Paseo de la Castellana, 200", "barrio (sin número)"} {
		l, err := n.Normalize(apiRecord(map[string]any{"propertyCode": "1", "address": addr}))
		if err != nil {
			t.Fatal(err)
		}
		if l.Location != addr {
			t.Fatalf("location = %q, want verbatim %q", l.Location, addr)
		}
	}
}

func TestNormalize_APIOnlyOneAnnotation(t *testing.T) {
	n := app.NewNormalizer("")
	l, _ := n.Normalize(apiRecord(map[string]any{"propertyCode": "1", "address": "Calle A", "district": "Retiro"}))
	if l.Location != "Calle A (Retiro)" {
		t.Fatalf("location = %q", l.Location)
	}
}

func TestNormalize_APISentinels(t *testing.T) {
	n := app.NewNormalizer("https://www.idealista.com")
	l, err := n.Normalize(apiRecord(map[string]any{"propertyCode": 202.0}))
	if err != nil {
		t.Fatal(err)
	}
	if l.ID != "202" {
		t.Fatalf("numeric id = %q", l.ID)
	}
	if l.Title != domain.NoTitle || l.Price != domain.NotAvailable || l.SqMeters != domain.NotAvailable || l.Location != domain.UnknownLocation {
		t.Fatalf("sentinels not applied: %+v", l)
	}
	if l.Link != "https://www.idealista.com/inmueble/202/" {
		t.Fatalf("fallback link = %q", l.Link)
	}
}

func TestNormalize_APITitleFallsBackToAddress(t *testing.T) {
	n := app.NewNormalizer("")
	l, _ := n.Normalize(apiRecord(map[string]any{"propertyCode": "1", "address": "Calle B", "suggestedTexts": map[string]any{}}))
	if l.Title != "Calle B" {
		t.Fatalf("title = %q", l.Title)
	}
}

func TestNormalize_APIPriceFormatting(t *testing.T) {
	n := app.NewNormalizer("")
	cases := []struct {
		price any
		cur   any
		want  string
	}{
		{950.0, nil, "950 €"},
		{1250000.0, "€", "1,250,000 €"},
		{1250.5, "€", "1,250.50 €"},
		{"800", "EUR", "800 EUR"},
	}
	for _, tc := range cases {
		f := map[string]any{"propertyCode": "1", "price": tc.price}
		if tc.cur != nil {
			f["currencySuffix"] = tc.cur
		}
		l, _ := n.Normalize(apiRecord(f))
		if l.Price != tc.want {
			t.Errorf("price(%v, %v) = %q, want %q", tc.price, tc.cur, l.Price, tc.want)
		}
	}
}

func TestNormalize_MissingIDIsRejected(t *testing.T) {
	n := app.NewNormalizer("")
	for _, r := range []domain.RawRecord{
		apiRecord(map[string]any{"address": "x"}),
		apiRecord(map[string]any{"propertyCode": "  "}),
		{Kind: domain.SourceScrape, Fields: map[string]any{"title": "Piso"}},
		{Kind: domain.SourceAPI},
	} {
		if _, err := n.Normalize(r); !errors.Is(err, domain.ErrMissingID) {
			t.Fatalf("expected ErrMissingID for %+v, got %v", r, err)
		}
	}
}

func TestNormalize_Scrape(t *testing.T) {
	n := app.NewNormalizer("https://www.idealista.com")
	l, err := n.Normalize(domain.RawRecord{Kind: domain.SourceScrape, Fields: map[string]any{
		"id":        "90001",
		"title":     "Piso",
		"location":  "Calle de Alcalá, Goya",
		"price":     "950€/mes",
		"sq_meters": "85 mÂ²",
		"link":      "/inmueble/90001/",
	}})
	if err != nil {
		t.Fatal(err)
	}
	want := domain.Listing{
		ID: "90001", Title: "Piso", Location: "Calle de Alcalá, Goya", Price: "950€/mes",
		SqMeters: "85 m²", Link: "https://www.idealista.com/inmueble/90001/", Source: "scrape",
	}
	if l != want {
		t.Fatalf("got %+v\nwant %+v", l, want)
	}
}

func TestNormalize_ScrapeSentinels(t *testing.T) {
	n := app.NewNormalizer("https://www.idealista.com")
	l, err := n.Normalize(domain.RawRecord{Kind: domain.SourceScrape, Fields: map[string]any{"id": "5"}})
	if err != nil {
		t.Fatal(err)
	}
	if l.Title != domain.NoTitle || l.Price != domain.NotAvailable || l.SqMeters != domain.NotAvailable ||
		l.Location != domain.UnknownLocation || l.Link != "https://www.idealista.com/inmueble/5/" {
		t.Fatalf("unexpected: %+v", l)
	}
}
