package main

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

// ffmpegPath is overridable for tests so they can point the supervisor at a
// stub script without requiring the real binary on $PATH.
var ffmpegPath = "ffmpeg"

// transcodingEnabled is cleared at startup when no transcoder binary is
// found; ingest then fans frames straight out to relay listeners in
// passthrough mode instead of attempting a child process per frame.
var transcodingEnabled = true

// Transcoder is C3: one instance per room, wrapping a child process that
// converts the broadcaster's ingested audio into MP3. Created lazily on
// the first binary frame (signaling.go), it fans every output chunk out to
// the room's attached ICY Writers.
type Transcoder struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	dead   bool

	room *Room
}

// StartTranscoder spawns the child process and begins the stdout fan-out
// loop in the background. The child is invoked to read encoded audio on
// stdin and write 128kbps/44.1kHz/stereo MP3 on stdout, flushed per packet,
// tolerant of unknown-duration streams, with a small header-probe budget
// (§4.3).
func StartTranscoder(room *Room) (*Transcoder, error) {
	ctx, cancel := context.WithCancel(context.Background())
	args := []string{
		"-i", "pipe:0",
		"-f", "mp3",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
		"-flush_packets", "1",
		"-probesize", "4096",
		"-analyzeduration", "0",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	// Shut the child down with SIGTERM, not CommandContext's default
	// SIGKILL, so it can flush its last packets.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	t := &Transcoder{cmd: cmd, stdin: stdin, cancel: cancel, room: room}

	go t.drainStderr(stderr)
	go t.fanOutLoop(stdout)

	return t, nil
}

// Write appends bytes to the child's stdin. A broken pipe or closed child
// is caught and discarded — never allowed to propagate and kill a room
// (§4.3, §7); the supervisor marks itself dead so the caller lazily
// restarts on the next frame.
func (t *Transcoder) Write(data []byte) {
	t.mu.Lock()
	dead := t.dead
	stdin := t.stdin
	t.mu.Unlock()
	if dead || stdin == nil {
		return
	}
	if _, err := stdin.Write(data); err != nil {
		slog.Warn("transcoder write failed", "err", err)
		t.mu.Lock()
		t.dead = true
		t.mu.Unlock()
	}
}

// Dead reports whether the transcoder has failed and should be restarted
// lazily on the next ingest frame.
func (t *Transcoder) Dead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// Stop closes the child's stdin then cancels its context, terminating the
// process. Safe to call multiple times.
func (t *Transcoder) Stop() {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	t.cancel()
	_ = t.cmd.Wait()
}

func (t *Transcoder) drainStderr(stderr io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			slog.Debug("ffmpeg", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// fanOutLoop reads MP3 chunks from stdout and writes each to every ICY
// Writer currently attached to the room. A writer whose write fails is
// removed from the room's listener set — fan-out is best-effort and never
// retried (§4.3, §5 backpressure).
func (t *Transcoder) fanOutLoop(stdout io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			for _, w := range t.room.RelayListeners() {
				if w.Dead() {
					t.room.RemoveRelayListener(w)
					continue
				}
				if werr := w.Write(chunk); werr != nil {
					t.room.RemoveRelayListener(w)
				}
			}
		}
		if err != nil {
			t.mu.Lock()
			t.dead = true
			t.mu.Unlock()
			if err != io.EOF {
				slog.Debug("transcoder stdout closed", "err", err)
			}
			return
		}
	}
}
