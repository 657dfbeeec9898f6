package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// catalogClient is the pass-through proxy collaborator for §4.9's
// GET /api/music-search and GET /api/music-detail/{id}: a thin client over
// a public music catalog, normalizing the upstream response into this
// server's track shape. No retries (§4.9).
type catalogClient struct {
	baseURL string
	client  *http.Client
}

// catalogBaseURL is the public catalog this deployment proxies by default;
// it requires no API key, matching a pass-through collaborator the server
// never authenticates against on the caller's behalf.
const catalogBaseURL = "https://itunes.apple.com"

func newCatalogClient() *catalogClient {
	return &catalogClient{
		baseURL: catalogBaseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// CatalogTrack is the normalized shape returned to the browser for a
// catalog search hit or detail lookup — field names mirror Track (§3.1) so
// the client can feed a result straight into an add-track message.
type CatalogTrack struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	ReleaseDate string `json:"release_date,omitempty"`
	Cover       string `json:"cover,omitempty"`
	CoverMedium string `json:"cover_medium,omitempty"`
	Genres      []string `json:"genres,omitempty"`
	Explicit    bool   `json:"explicit,omitempty"`
}

// itunesResult mirrors the subset of fields the iTunes Search API returns
// that this server cares about.
type itunesResult struct {
	TrackID          int64  `json:"trackId"`
	TrackName        string `json:"trackName"`
	ArtistName       string `json:"artistName"`
	CollectionName   string `json:"collectionName"`
	TrackTimeMillis  int    `json:"trackTimeMillis"`
	ReleaseDate      string `json:"releaseDate"`
	ArtworkURL100    string `json:"artworkUrl100"`
	ArtworkURL60     string `json:"artworkUrl60"`
	PrimaryGenreName string `json:"primaryGenreName"`
	Explicitness     string `json:"trackExplicitness"`
}

type itunesResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []itunesResult `json:"results"`
}

func normalizeItunesResult(r itunesResult) CatalogTrack {
	t := CatalogTrack{
		ID:          fmt.Sprintf("%d", r.TrackID),
		Title:       r.TrackName,
		Artist:      r.ArtistName,
		Album:       r.CollectionName,
		ReleaseDate: r.ReleaseDate,
		Cover:       r.ArtworkURL100,
		CoverMedium: r.ArtworkURL60,
		Explicit:    r.Explicitness == "explicit",
	}
	if r.TrackTimeMillis > 0 {
		t.DurationSec = r.TrackTimeMillis / 1000
	}
	if r.PrimaryGenreName != "" {
		t.Genres = []string{r.PrimaryGenreName}
	}
	return t
}

// Search proxies a free-text query to the catalog and normalizes each hit.
func (c *catalogClient) Search(q string) ([]CatalogTrack, error) {
	u := c.baseURL + "/search?media=music&limit=20&term=" + url.QueryEscape(q)
	resp, err := c.client.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog search returned %d", resp.StatusCode)
	}
	var decoded itunesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	out := make([]CatalogTrack, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		out = append(out, normalizeItunesResult(r))
	}
	return out, nil
}

// Detail proxies a lookup-by-id request and normalizes the single result.
func (c *catalogClient) Detail(id string) (CatalogTrack, error) {
	u := c.baseURL + "/lookup?id=" + url.QueryEscape(id)
	resp, err := c.client.Get(u)
	if err != nil {
		return CatalogTrack{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CatalogTrack{}, fmt.Errorf("catalog detail returned %d", resp.StatusCode)
	}
	var decoded itunesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return CatalogTrack{}, err
	}
	if len(decoded.Results) == 0 {
		return CatalogTrack{}, fmt.Errorf("no track found for id %s", id)
	}
	return normalizeItunesResult(decoded.Results[0]), nil
}

// fingerprintClient is the external audio-fingerprinting collaborator for
// §4.9's POST /api/identify-audio. The server never analyzes audio itself
// (§1 non-goals); it forwards the raw sample and relays back whatever match
// the service reports.
type fingerprintClient struct {
	apiKey string
	client *http.Client
}

func newFingerprintClient(apiKey string) *fingerprintClient {
	return &fingerprintClient{
		apiKey: apiKey,
		client: &http.Client{Timeout: 8 * time.Second},
	}
}

const fingerprintServiceURL = "https://api.acoustid.org/v2/lookup"

// Identify posts the raw audio sample to the fingerprinting service and
// returns the "results" field of its decoded response verbatim (the caller
// relays it as "match"). Returns an error (mapped to
// 503 by the caller) when no API key is configured, matching §6.2's
// "503 missing configuration" exit code.
func (f *fingerprintClient) Identify(audio []byte) (any, error) {
	if f.apiKey == "" {
		return nil, fmt.Errorf("fingerprint service not configured")
	}

	req, err := http.NewRequest(http.MethodPost, fingerprintServiceURL+"?client="+url.QueryEscape(f.apiKey)+"&meta=recordings+releasegroups", bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fingerprint service returned %d", resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded["results"], nil
}
