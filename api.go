package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// APIServer provides C9's REST surface: auth/session, ICE config, the
// integration test-connect, catalog search/detail proxies, audio
// fingerprinting, and registry administration. It runs as its own Echo
// instance, matching the teacher's separation of the signaling transport
// from its REST API.
type APIServer struct {
	registry *Registry
	sessions *SessionValidator
	cfg      Config
	echo     *echo.Echo
	catalog  *catalogClient
	fp       *fingerprintClient

	loginLimiter    *perKeyLimiter
	integLimiter    *perKeyLimiter
	identifyLimiter *perKeyLimiter

	iceMu       sync.Mutex
	iceCache    *ICEConfig
	iceCachedAt time.Time
}

// NewAPIServer constructs the C9 API server and registers all routes.
func NewAPIServer(reg *Registry, sv *SessionValidator, cfg Config) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{
		registry:        reg,
		sessions:        sv,
		cfg:             cfg,
		echo:            e,
		catalog:         newCatalogClient(),
		fp:              newFingerprintClient(cfg.AcoustIDAPIKey),
		loginLimiter:    newPerKeyLimiter(rate.Every(time.Minute/5), 5),
		integLimiter:    newPerKeyLimiter(rate.Every(time.Minute/integrationTestRatePerMin), integrationTestRatePerMin),
		identifyLimiter: newPerKeyLimiter(rate.Every(identifyAudioWindow/identifyAudioRateLimit), identifyAudioRateLimit),
	}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.POST("/api/login", s.handleLogin)
	s.echo.POST("/api/logout", s.handleLogout)
	s.echo.GET("/api/session", s.handleSession)
	s.echo.GET("/api/ice-config", s.handleICEConfig)
	s.echo.POST("/api/integration-test", s.handleIntegrationTest)
	s.echo.POST("/api/identify-audio", s.handleIdentifyAudio)
	s.echo.GET("/api/music-search", s.handleMusicSearch)
	s.echo.GET("/api/music-detail/:id", s.handleMusicDetail)
	s.echo.GET("/admin/rooms", s.handleAdminRooms)
	s.echo.GET("/api/room-slugs", s.handleRoomSlugs)
	s.echo.DELETE("/api/room-slugs/:slug", s.handleDeleteRoomSlug)
}

// Run starts the Echo HTTP server on addr and blocks until the server stops
// (see Shutdown), returning its error. Only used when the API surface is
// deployed on its own listener;
// the default wiring in main.go instead mounts Handler() into the shared
// mux so every HTTP surface lives behind one PORT (§6.4).
func (s *APIServer) Run(addr string) error {
	return s.echo.Start(addr)
}

// Handler returns the API surface as a plain http.Handler so it can be
// mounted under a shared ServeMux alongside C7/C8's raw handlers.
func (s *APIServer) Handler() http.Handler {
	return s.echo
}

// Shutdown gracefully stops the Echo server.
func (s *APIServer) Shutdown() error {
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutCtx)
}

// --- Auth / Session (C1) ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *APIServer) handleLogin(c echo.Context) error {
	ip := clientIP(c.Request())
	if !s.loginLimiter.Allow(ip) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many login attempts")
	}

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if s.cfg.AdminPassword == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "login not configured")
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	username := req.Username
	if username == "" {
		username = "admin"
	}
	token, err := s.sessions.Create(username)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}

	c.SetCookie(s.sessionCookie(token, sessionTTL))
	return c.JSON(http.StatusOK, map[string]string{"username": username})
}

func (s *APIServer) handleLogout(c echo.Context) error {
	if cookie, err := c.Cookie("session"); err == nil {
		s.sessions.Destroy(cookie.Value)
	}
	c.SetCookie(s.sessionCookie("", -time.Hour))
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleSession(c echo.Context) error {
	sess := s.authenticate(c)
	if sess == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "no active session")
	}
	return c.JSON(http.StatusOK, map[string]string{"username": sess.Username})
}

// authenticate returns the session decoded from the request's cookie, or
// nil if absent/invalid.
func (s *APIServer) authenticate(c echo.Context) *Session {
	cookie, err := c.Cookie("session")
	if err != nil {
		return nil
	}
	return s.sessions.Validate(cookie.Value)
}

func (s *APIServer) sessionCookie(token string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.RequireTLS,
		MaxAge:   int(ttl.Seconds()),
	}
}

// --- ICE config ---

// ICEServerInfo mirrors the WebRTC RTCIceServer shape.
type ICEServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfig is the payload for GET /api/ice-config.
type ICEConfig struct {
	ICEServers []ICEServerInfo `json:"iceServers"`
}

var publicSTUNServers = []ICEServerInfo{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// handleICEConfig merges public STUN servers with either a provider URL's
// fetched credentials (cached 5 minutes) or static TURN env configuration
// (§4.9, §5 "third-party ICE credentials cached process-wide for 5
// minutes").
func (s *APIServer) handleICEConfig(c echo.Context) error {
	s.iceMu.Lock()
	if s.iceCache != nil && time.Since(s.iceCachedAt) < iceConfigCacheTTL {
		cfg := *s.iceCache
		s.iceMu.Unlock()
		return c.JSON(http.StatusOK, cfg)
	}
	s.iceMu.Unlock()

	servers := append([]ICEServerInfo(nil), publicSTUNServers...)

	if s.cfg.ICEProviderURL != "" {
		if extra, err := fetchProviderICEServers(s.cfg.ICEProviderURL); err == nil {
			servers = append(servers, extra...)
		} else {
			log.Printf("[api] ice provider fetch failed: %v", err)
		}
	} else if s.cfg.TURNURL != "" {
		servers = append(servers, ICEServerInfo{
			URLs:       []string{s.cfg.TURNURL},
			Username:   s.cfg.TURNUser,
			Credential: s.cfg.TURNCredential,
		})
	}

	cfg := ICEConfig{ICEServers: servers}
	s.iceMu.Lock()
	s.iceCache = &cfg
	s.iceCachedAt = time.Now()
	s.iceMu.Unlock()

	return c.JSON(http.StatusOK, cfg)
}

func fetchProviderICEServers(providerURL string) ([]ICEServerInfo, error) {
	client := &http.Client{Timeout: 4 * time.Second}
	resp, err := client.Get(providerURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	var servers []ICEServerInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// --- Integration test (C2) ---

type integrationTestRequest struct {
	Kind     string `json:"kind"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Mount    string `json:"mount"`
	User     string `json:"user"`
	Password string `json:"password"`
	StreamID string `json:"streamId"`
	Name     string `json:"name"`
}

func (s *APIServer) handleIntegrationTest(c echo.Context) error {
	sess := s.authenticate(c)
	if sess == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if !s.integLimiter.Allow(sess.Username) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many test attempts")
	}

	var req integrationTestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	cred := SourceCredentials{
		Kind:     SourceKind(req.Kind),
		Host:     req.Host,
		Port:     req.Port,
		Mount:    req.Mount,
		User:     req.User,
		Password: req.Password,
		StreamID: req.StreamID,
		Name:     req.Name,
	}
	ok, msg := TestConnect(cred)
	return c.JSON(http.StatusOK, map[string]any{"ok": ok, "message": msg})
}

// --- Audio fingerprinting (external collaborator) ---

func (s *APIServer) handleIdentifyAudio(c echo.Context) error {
	sess := s.authenticate(c)
	if sess == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if !s.identifyLimiter.Allow(sess.Username) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many identify attempts")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, identifyAudioMaxBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > identifyAudioMaxBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "audio sample too large")
	}

	match, err := s.fp.Identify(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "fingerprint service unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{"match": match})
}

// --- Catalog proxies ---

func (s *APIServer) handleMusicSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	tracks, err := s.catalog.Search(q)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "catalog search failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"results": tracks})
}

func (s *APIServer) handleMusicDetail(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	track, err := s.catalog.Detail(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "track not found")
	}
	return c.JSON(http.StatusOK, track)
}

// --- Registry administration ---

type roomSummary struct {
	ID            string `json:"id"`
	Live          bool   `json:"live"`
	ListenerCount int    `json:"listener_count"`
	Ended         bool   `json:"ended"`
}

func (s *APIServer) handleAdminRooms(c echo.Context) error {
	if s.authenticate(c) == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	rooms := s.registry.ListRooms()
	out := make([]roomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomSummary{
			ID:            r.ID(),
			Live:          r.IsLive(),
			ListenerCount: r.ListenerCount(),
			Ended:         r.HasEnded(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIServer) handleRoomSlugs(c echo.Context) error {
	if s.authenticate(c) == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	slugs, err := s.registry.ListSlugHistory()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if slugs == nil {
		slugs = []string{}
	}
	return c.JSON(http.StatusOK, slugs)
}

func (s *APIServer) handleDeleteRoomSlug(c echo.Context) error {
	if s.authenticate(c) == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	slug := c.Param("slug")
	if err := s.registry.RemoveSlug(slug); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// jsonErrorHandler ensures all error responses share a consistent JSON
// body: {"error": "message"}.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
