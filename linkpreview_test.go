package main

import (
	"strings"
	"testing"
	"time"
)

func TestExtractFirstURL(t *testing.T) {
	cases := map[string]string{
		"check this out https://example.com/page yeah":         "https://example.com/page",
		"no url here":                                           "",
		"http://a.com then http://b.com":                       "http://a.com",
		"trailing punctuation http://example.com/path.":         "http://example.com/path.",
	}
	for body, want := range cases {
		if got := extractFirstURL(body); got != want {
			t.Errorf("extractFirstURL(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestParseOGTagsExtractsMetadata(t *testing.T) {
	html := `<html><head>
		<title>Fallback Title</title>
		<meta property="og:title" content="Real Title">
		<meta property="og:description" content="A description">
		<meta property="og:image" content="https://example.com/img.png">
		<meta property="og:site_name" content="Example">
	</head><body>ignored</body></html>`

	lp, err := parseOGTags("https://example.com", strings.NewReader(html))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lp.Title != "Real Title" {
		t.Errorf("Title = %q, want Real Title", lp.Title)
	}
	if lp.Desc != "A description" {
		t.Errorf("Desc = %q", lp.Desc)
	}
	if lp.Image != "https://example.com/img.png" {
		t.Errorf("Image = %q", lp.Image)
	}
	if lp.SiteName != "Example" {
		t.Errorf("SiteName = %q", lp.SiteName)
	}
}

func TestParseOGTagsFallsBackToTitleTag(t *testing.T) {
	html := `<html><head><title>Only A Title</title></head><body></body></html>`
	lp, err := parseOGTags("https://example.com", strings.NewReader(html))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lp.Title != "Only A Title" {
		t.Errorf("Title = %q, want fallback from <title>", lp.Title)
	}
}

func TestLinkPreviewCacheServesWithinTTL(t *testing.T) {
	c := newLinkPreviewCache()
	now := time.Now()
	want := LinkPreview{URL: "https://example.com", Title: "Cached"}
	c.put("https://example.com", want, nil, now)

	got, err, ok := c.get("https://example.com", now.Add(time.Minute))
	if !ok {
		t.Fatalf("expected a cache hit within TTL")
	}
	if err != nil {
		t.Fatalf("unexpected cached error: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLinkPreviewCacheExpiresAfterTTL(t *testing.T) {
	c := newLinkPreviewCache()
	now := time.Now()
	c.put("https://example.com", LinkPreview{URL: "https://example.com"}, nil, now)

	if _, _, ok := c.get("https://example.com", now.Add(linkPreviewCacheTTL+time.Second)); ok {
		t.Errorf("expected cache miss after TTL expiry")
	}
}
