package main

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"broadcast/server/store"
)

// mockIcecast accepts one source connection, replies 200 OK to the
// handshake, and accumulates everything written afterwards.
func mockIcecast(t *testing.T) (host, port string, received *bytes.Buffer, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received = &bytes.Buffer{}
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(10 * time.Second))

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.0 200 OK\r\n\r\n"))

		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				received.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	host, port, _ = net.SplitHostPort(ln.Addr().String())
	return host, port, received, done
}

func newExternalRelayTestServer(t *testing.T) (wsURL, cookie string) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := NewRegistry(st)
	t.Cleanup(reg.Stop)
	sv := NewSessionValidator("test-secret")
	ext := NewExternalRelayServer(reg, sv, Config{})

	srv := httptest.NewServer(http.HandlerFunc(ext.ServeHTTP))
	t.Cleanup(srv.Close)

	token, err := sv.Create("broadcaster-user")
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	return "ws" + strings.TrimPrefix(srv.URL, "http"), token
}

func TestExternalRelayUnauthenticatedClosed(t *testing.T) {
	wsURL, _ := newExternalRelayTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	if err == nil {
		t.Fatal("unauthenticated connection should be closed")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != closeUnauthorized {
		t.Fatalf("close error = %v, want code %d", err, closeUnauthorized)
	}
}

func TestExternalRelayForwardsAudioToSource(t *testing.T) {
	host, port, received, serverDone := mockIcecast(t)
	wsURL, cookie := newExternalRelayTestServer(t)

	header := http.Header{}
	header.Set("Cookie", "session="+cookie)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	handshake := map[string]any{
		"type": "start",
		"credentials": map[string]any{
			"kind": "icecast", "host": host, "port": port,
			"mount": "/live", "password": "pw", "name": "test stream",
		},
	}
	if err := ws.WriteJSON(handshake); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply map[string]any
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply["type"] != "connected" {
		t.Fatalf("reply = %v, want connected", reply)
	}
	wantURL := "http://" + host + ":" + port + "/live"
	if reply["listenerUrl"] != wantURL {
		t.Fatalf("listenerUrl = %v, want %s", reply["listenerUrl"], wantURL)
	}

	frame := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ws.Close()
	select {
	case <-serverDone:
	case <-time.After(5 * time.Second):
		t.Fatal("mock source server never saw the connection close")
	}

	if !bytes.Contains(received.Bytes(), frame) {
		t.Fatalf("source server never received the forwarded frame, got %x", received.Bytes())
	}
}

func TestExternalRelayFirstAudioTimeoutMessage(t *testing.T) {
	// The 8s first-audio timer is too slow for a unit test to wait out; this
	// reproduces watchFirstAudio's send-error-then-close sequence inline with
	// a 50ms timer rather than calling watchFirstAudio itself.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		firstAudio := make(chan struct{})
		sendErr := func(kind, message string) {
			ws.WriteJSON(map[string]any{"type": "error", "code": kind, "message": message})
		}
		timer := time.NewTimer(50 * time.Millisecond)
		defer timer.Stop()
		select {
		case <-firstAudio:
		case <-timer.C:
			sendErr("io_error", "no audio received within timeout")
			ws.Close()
		}
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != "error" || !strings.Contains(msg["message"].(string), "no audio") {
		t.Fatalf("message = %v, want no-audio error", msg)
	}
}
