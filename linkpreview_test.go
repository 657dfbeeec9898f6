package main

import (
	"strings"
	"testing"
)

func TestExtractFirstURL(t *testing.T) {
	cases := map[string]string{
		"check https://example.com/a out": "https://example.com/a",
		"http://x.io and https://y.io":    "http://x.io",
		"no links here":                   "",
		"ftp://not-matched":               "",
	}
	for in, want := range cases {
		if got := extractFirstURL(in); got != want {
			t.Errorf("extractFirstURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHostIsPrivate(t *testing.T) {
	private := []string{"localhost", "127.0.0.1", "10.0.0.8", "192.168.1.1", "169.254.0.1", "0.0.0.0", ""}
	for _, h := range private {
		if !hostIsPrivate(h) {
			t.Errorf("hostIsPrivate(%q) = false, want true", h)
		}
	}
	public := []string{"example.com", "8.8.8.8", "93.184.216.34"}
	for _, h := range public {
		if hostIsPrivate(h) {
			t.Errorf("hostIsPrivate(%q) = true, want false", h)
		}
	}
}

func TestCollectHeadMeta(t *testing.T) {
	page := `<html><head>
		<title>Fallback Title</title>
		<meta property="og:title" content="OG Title"/>
		<meta property="og:audio" content="https://cdn.example/clip.mp3"/>
		<meta name="description" content="plain description"/>
	</head><body><p>ignored</p></body></html>`

	tags, title := collectHeadMeta(strings.NewReader(page))
	if title != "Fallback Title" {
		t.Errorf("title = %q", title)
	}
	if tags["og:title"] != "OG Title" {
		t.Errorf("og:title = %q", tags["og:title"])
	}
	if tags["og:audio"] != "https://cdn.example/clip.mp3" {
		t.Errorf("og:audio = %q", tags["og:audio"])
	}
	if tags["description"] != "plain description" {
		t.Errorf("description = %q", tags["description"])
	}
}
