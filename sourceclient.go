package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SourceKind distinguishes the two protocols C2 speaks.
type SourceKind string

const (
	SourceIcecast   SourceKind = "icecast"
	SourceShoutcast SourceKind = "shoutcast"
)

// SourceError classifies a Source-Client Transport failure (§4.2, §7).
type SourceError struct {
	kind string
	msg  string
}

func (e *SourceError) Error() string { return e.msg }

// Kind returns one of connect_timeout, auth_failed, mount_busy,
// protocol_error, io_error.
func (e *SourceError) Kind() string { return e.kind }

func newSourceErr(kind, msg string) *SourceError { return &SourceError{kind: kind, msg: msg} }

// SourceCredentials configures a C2 connection attempt.
type SourceCredentials struct {
	Kind     SourceKind
	Host     string
	Port     string
	Mount    string // Icecast only
	User     string // Icecast only; defaults to "source"
	Password string
	StreamID string // Shoutcast only, optional
	Name     string // ice-name / icy-name
}

var statusLineRe = regexp.MustCompile(`\s(\d{3})\s`)

// Connect performs the handshake for cred.Kind and returns a live socket on
// success (§4.2). The whole operation — connect + handshake — is bounded
// by sourceClientTimeout.
func Connect(cred SourceCredentials) (net.Conn, error) {
	deadline := time.Now().Add(sourceClientTimeout)

	dialer := net.Dialer{Timeout: sourceClientTimeout}
	addr := net.JoinHostPort(cred.Host, cred.Port)
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, newSourceErr("connect_timeout", err.Error())
	}
	_ = conn.SetDeadline(deadline)

	switch cred.Kind {
	case SourceIcecast:
		if err := icecastHandshake(conn, cred); err != nil {
			conn.Close()
			return nil, err
		}
	case SourceShoutcast:
		if err := shoutcastHandshake(conn, cred); err != nil {
			conn.Close()
			return nil, err
		}
	default:
		conn.Close()
		return nil, newSourceErr("protocol_error", "unknown source kind")
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func icecastHandshake(conn net.Conn, cred SourceCredentials) error {
	mount := normalizeMount(cred.Mount)
	user := cred.User
	if user == "" {
		user = "source"
	}
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + cred.Password))

	req := fmt.Sprintf(
		"SOURCE %s HTTP/1.0\r\ncontent-type: audio/mpeg\r\nAuthorization: Basic %s\r\nUser-Agent: %s\r\nice-name: %s\r\nice-public: 0\r\n\r\n",
		mount, auth, clientUserAgent, cred.Name,
	)
	if _, err := conn.Write([]byte(req)); err != nil {
		return newSourceErr("io_error", err.Error())
	}

	resp, err := readUntilHeadersEnd(conn)
	if err != nil {
		return newSourceErr("io_error", err.Error())
	}
	return classifyIcecastResponse(resp)
}

func classifyIcecastResponse(resp []byte) error {
	line := firstLine(resp)
	if strings.Contains(line, "200 OK") {
		return nil
	}
	m := statusLineRe.FindStringSubmatch(line)
	if m == nil {
		return newSourceErr("protocol_error", line)
	}
	switch m[1][0] {
	case '2':
		return nil
	}
	switch m[1] {
	case "401":
		return newSourceErr("auth_failed", "Authentication failed")
	case "403":
		return newSourceErr("mount_busy", "Mount point in use or forbidden")
	default:
		return newSourceErr("protocol_error", line)
	}
}

func shoutcastHandshake(conn net.Conn, cred SourceCredentials) error {
	var line string
	if cred.StreamID != "" {
		line = cred.Password + ":#" + cred.StreamID + "\r\n"
	} else {
		line = cred.Password + "\r\n"
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return newSourceErr("io_error", err.Error())
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return newSourceErr("io_error", err.Error())
	}
	resp := string(buf[:n])
	lower := strings.ToLower(resp)
	if strings.Contains(lower, "invalid password") || strings.Contains(lower, "denied") {
		return newSourceErr("auth_failed", "Authentication failed")
	}
	if !strings.Contains(resp, "OK2") && !strings.Contains(resp, "OK") {
		return newSourceErr("protocol_error", strings.TrimSpace(resp))
	}

	headers := fmt.Sprintf("content-type: audio/mpeg\r\nicy-name: %s\r\nicy-pub: 0\r\n\r\n", cred.Name)
	if _, err := conn.Write([]byte(headers)); err != nil {
		return newSourceErr("io_error", err.Error())
	}
	return nil
}

// TestConnect opens, authenticates, and immediately destroys the socket
// (§4.2's "Test connection").
func TestConnect(cred SourceCredentials) (ok bool, errMsg string) {
	conn, err := Connect(cred)
	if err != nil {
		return false, err.Error()
	}
	conn.Close()
	return true, ""
}

// UpdateMetadata pushes a new song title to the admin endpoint for cred's
// server. Fire-and-forget: any failure is logged and reported false
// (§4.2).
func UpdateMetadata(cred SourceCredentials, title string) bool {
	var reqURL string
	client := &http.Client{Timeout: sourceClientTimeout}
	var req *http.Request
	var err error

	switch cred.Kind {
	case SourceIcecast:
		reqURL = fmt.Sprintf("http://%s:%s/admin/metadata?mount=%s&mode=updinfo&song=%s",
			cred.Host, cred.Port, url.QueryEscape(normalizeMount(cred.Mount)), url.QueryEscape(title))
		req, err = http.NewRequest(http.MethodGet, reqURL, nil)
		if err == nil {
			user := cred.User
			if user == "" {
				user = "source"
			}
			req.SetBasicAuth(user, cred.Password)
		}
	case SourceShoutcast:
		reqURL = fmt.Sprintf("http://%s:%s/admin.cgi?mode=updinfo&song=%s&pass=%s",
			cred.Host, cred.Port, url.QueryEscape(title), url.QueryEscape(cred.Password))
		req, err = http.NewRequest(http.MethodGet, reqURL, nil)
	default:
		err = fmt.Errorf("unknown source kind %q", cred.Kind)
	}
	if err != nil {
		slog.Warn("metadata update failed", "err", err)
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("metadata update failed", "err", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("metadata update rejected", "status", resp.StatusCode)
		return false
	}
	return true
}

const clientUserAgent = "broadcast-source-client/1.0"

// normalizeMount implements §4.2's mount-path normalization rules.
func normalizeMount(mount string) string {
	if strings.Contains(mount, "://") {
		if u, err := url.Parse(mount); err == nil {
			mount = u.Path
		}
	}
	if i := strings.IndexAny(mount, "?#"); i >= 0 {
		mount = mount[:i]
	}
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	for strings.Contains(mount, "//") {
		mount = strings.ReplaceAll(mount, "//", "/")
	}
	if len(mount) > 1 && strings.HasSuffix(mount, "/") {
		mount = strings.TrimSuffix(mount, "/")
	}
	return mount
}

// NormalizeHost implements §4.2's host normalization rule for building
// listener URLs.
func NormalizeHost(host string) string {
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			return u.Hostname()
		}
	}
	return host
}

func readUntilHeadersEnd(conn net.Conn) ([]byte, error) {
	r := bufio.NewReader(conn)
	var buf bytes.Buffer
	for buf.Len() < 2048 {
		b, err := r.ReadByte()
		if err != nil {
			if buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), []byte("\r\n\r\n")) {
			break
		}
	}
	return buf.Bytes(), nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return strings.TrimRight(string(b[:i]), "\r\n")
	}
	return string(b)
}
