package main

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Chat messages may reference a URL; the room gets a follow-up
// link-preview message with the page's OpenGraph metadata. Fetches are
// bounded in time and size so a slow page never delays chat, and refused
// outright for private addresses since any participant can trigger one.

const (
	linkFetchTimeout = 4 * time.Second
	linkFetchMaxBody = 256 * 1024
	linkMaxRedirects = 3
)

var chatURLPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// extractFirstURL returns the first http(s) URL found in text, or "".
func extractFirstURL(text string) string {
	return chatURLPattern.FindString(text)
}

// LinkPreview is the subset of OpenGraph metadata pushed to the room.
type LinkPreview struct {
	URL      string
	Title    string
	Desc     string
	Image    string
	Audio    string
	SiteName string
}

var errPrivateHost = errors.New("refusing to fetch private address")

// fetchLinkPreview resolves and fetches rawURL, returning whatever
// OpenGraph metadata its <head> carries. Callers run it off the chat path.
func fetchLinkPreview(rawURL string) (LinkPreview, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return LinkPreview{}, err
	}
	if hostIsPrivate(u.Hostname()) {
		return LinkPreview{}, errPrivateHost
	}

	client := &http.Client{
		Timeout: linkFetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= linkMaxRedirects {
				return http.ErrUseLastResponse
			}
			if hostIsPrivate(req.URL.Hostname()) {
				return errPrivateHost
			}
			return nil
		},
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return LinkPreview{}, err
	}
	req.Header.Set("User-Agent", clientUserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return LinkPreview{}, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return LinkPreview{URL: rawURL}, nil
	}

	tags, pageTitle := collectHeadMeta(io.LimitReader(resp.Body, linkFetchMaxBody))
	lp := LinkPreview{
		URL:      rawURL,
		Title:    tags["og:title"],
		Desc:     tags["og:description"],
		Image:    tags["og:image"],
		Audio:    tags["og:audio"],
		SiteName: tags["og:site_name"],
	}
	if lp.Title == "" {
		lp.Title = pageTitle
	}
	if lp.Desc == "" {
		lp.Desc = tags["description"]
	}
	return lp, nil
}

// hostIsPrivate reports whether host names a loopback, link-local, or
// RFC1918 address. Hostnames that don't parse as IPs are allowed through;
// DNS rebinding is out of scope for a best-effort preview.
func hostIsPrivate(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// collectHeadMeta tokenizes HTML from r up to the end of <head> (or EOF),
// returning a map of interesting <meta> property/name values plus the
// <title> text.
func collectHeadMeta(r io.Reader) (map[string]string, string) {
	tags := make(map[string]string)
	tokenizer := html.NewTokenizer(r)
	var title strings.Builder
	inTitle := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return tags, strings.TrimSpace(title.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			switch string(name) {
			case "title":
				inTitle = true
			case "body":
				return tags, strings.TrimSpace(title.String())
			case "meta":
				if hasAttr {
					key, content := metaKeyContent(tokenizer)
					if key != "" && content != "" {
						tags[key] = content
					}
				}
			}

		case html.TextToken:
			if inTitle {
				title.Write(tokenizer.Text())
			}

		case html.EndTagToken:
			if name, _ := tokenizer.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}

// metaKeyContent pulls the property (or name) and content attributes off
// the current <meta> tag.
func metaKeyContent(tokenizer *html.Tokenizer) (key, content string) {
	for {
		k, v, more := tokenizer.TagAttr()
		switch string(k) {
		case "property", "name":
			if key == "" {
				key = string(v)
			}
		case "content":
			content = string(v)
		}
		if !more {
			return key, content
		}
	}
}
