package main

import (
	"io"
	"strings"
	"sync"
)

// ICYWriter wraps a single listener's HTTP response body and interleaves
// ICY metadata blocks at a fixed byte cadence (§4.4, §6.6). Byte-exact
// framing: a metadata block is one length byte (payload_len/16) followed
// by the padded payload, emitted every icyMetaInt bytes of audio.
type ICYWriter struct {
	mu           sync.Mutex
	w            io.Writer
	enabled      bool
	counter      int
	currentTitle string
	dead         bool
}

// NewICYWriter wraps w. If enabled is false, Write passes data through
// unmodified and no metadata is ever emitted.
func NewICYWriter(w io.Writer, enabled bool) *ICYWriter {
	return &ICYWriter{w: w, enabled: enabled}
}

// Write consumes data, interleaving metadata blocks every icyMetaInt bytes
// of audio when enabled. A no-op once the writer has been ended.
func (iw *ICYWriter) Write(data []byte) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if iw.dead {
		return nil
	}
	if !iw.enabled {
		_, err := iw.w.Write(data)
		return err
	}

	for len(data) > 0 {
		remaining := icyMetaInt - iw.counter
		chunk := data
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		if _, err := iw.w.Write(chunk); err != nil {
			return err
		}
		iw.counter += len(chunk)
		data = data[len(chunk):]

		if iw.counter == icyMetaInt {
			if _, err := iw.w.Write(iw.metadataBlock()); err != nil {
				return err
			}
			iw.counter = 0
		}
	}
	return nil
}

// SetTitle updates the title reflected in the next metadata block.
func (iw *ICYWriter) SetTitle(title string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	iw.currentTitle = title
}

// End marks the writer dead; subsequent writes are no-ops. Safe to call
// multiple times and from any goroutine (§4.4, invariant 7).
func (iw *ICYWriter) End() {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	iw.dead = true
}

// Dead reports whether End has been called, so fan-out loops (C3, C7) can
// prune this writer from their target set.
func (iw *ICYWriter) Dead() bool {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return iw.dead
}

// metadataBlock builds the next ICY metadata frame. Caller holds iw.mu.
func (iw *ICYWriter) metadataBlock() []byte {
	if iw.currentTitle == "" {
		return []byte{0x00}
	}
	escaped := strings.ReplaceAll(iw.currentTitle, "'", "\\'")
	payload := []byte("StreamTitle='" + escaped + "';")

	padded := ((len(payload) + 15) / 16) * 16
	block := make([]byte, 1+padded)
	block[0] = byte(padded / 16)
	copy(block[1:], payload)
	return block
}
