// Package audiosink receives forked call audio over WebSocket and writes it
// to disk.
//
// A media server opens one connection per forked call using the
// audiostream.drachtio.org subprotocol. Text frames carry JSON metadata,
// binary frames carry 16-bit little-endian linear PCM.
package audiosink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zaf/g711"
)

// Subprotocol is negotiated on every connection.
const Subprotocol = "audiostream.drachtio.org"

// Encoding selects how received audio is written.
type Encoding string

const (
	EncodingL16  Encoding = "l16"
	EncodingUlaw Encoding = "ulaw"
	EncodingAlaw Encoding = "alaw"
)

// ParseEncoding accepts l16, ulaw (mulaw, pcmu) and alaw (pcma).
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "l16", "raw", "pcm":
		return EncodingL16, nil
	case "ulaw", "mulaw", "pcmu":
		return EncodingUlaw, nil
	case "alaw", "pcma":
		return EncodingAlaw, nil
	}
	return "", fmt.Errorf("unknown encoding %q", s)
}

func (e Encoding) ext() string {
	switch e {
	case EncodingUlaw:
		return "ulaw"
	case EncodingAlaw:
		return "alaw"
	default:
		return "raw"
	}
}

// Metadata is the JSON sent in the first text frame.
type Metadata struct {
	CallID string `json:"callId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Recording summarises one finished connection.
type Recording struct {
	ID       string
	Path     string
	Metadata Metadata
	Bytes    int64
	Messages []string
}

// Config configures the sink.
type Config struct {
	// Dir receives one file per connection. Ignored when Path is set.
	Dir string
	// Path, when set, is truncated and written by each connection in turn.
	// A connection arriving while Path is in use records to Path with its
	// connection id appended to the base name.
	Path     string
	Encoding Encoding
	// OnClose runs after a connection's file has been closed.
	OnClose func(Recording)
}

// Server is the WebSocket audio sink.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	active   atomic.Int64

	mu       sync.Mutex
	pathBusy bool
}

// NewServer creates a sink. It implements http.Handler.
func NewServer(cfg Config) *Server {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingL16
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{Subprotocol},
			ReadBufferSize:  8192,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Active returns the number of connections currently recording.
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Sink] Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	rec := Recording{ID: uuid.NewString()}
	var release func()
	rec.Path, release = s.recordingPath(rec.ID)
	defer release()
	slog.Info("[Sink] Connection", "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol(), "file", rec.Path)

	f, err := os.Create(rec.Path)
	if err != nil {
		slog.Error("[Sink] Cannot create recording", "file", rec.Path, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "cannot record"),
			time.Now().Add(time.Second))
		return
	}

	s.active.Add(1)
	w2 := newEncoder(f, s.cfg.Encoding)
	err = s.receive(conn, w2, &rec)
	if ferr := w2.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	release()
	s.active.Add(-1)
	if err != nil {
		slog.Warn("[Sink] Recording ended with error", "id", rec.ID, "call_id", rec.Metadata.CallID, "error", err)
	}
	slog.Info("[Sink] Connection closed", "id", rec.ID, "call_id", rec.Metadata.CallID, "bytes", rec.Bytes)

	if s.cfg.OnClose != nil {
		s.cfg.OnClose(rec)
	}
}

// recordingPath picks the file for connection id. The returned func frees
// the shared Path once the connection is done with it.
func (s *Server) recordingPath(id string) (string, func()) {
	if s.cfg.Path == "" {
		return filepath.Join(s.cfg.Dir, id+"."+s.cfg.Encoding.ext()), func() {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pathBusy {
		s.pathBusy = true
		return s.cfg.Path, sync.OnceFunc(func() {
			s.mu.Lock()
			s.pathBusy = false
			s.mu.Unlock()
		})
	}
	ext := filepath.Ext(s.cfg.Path)
	return strings.TrimSuffix(s.cfg.Path, ext) + "-" + id + ext, func() {}
}

// receive reads frames until the peer closes. A normal close is not an error.
func (s *Server) receive(conn *websocket.Conn, w *encoder, rec *Recording) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch kind {
		case websocket.TextMessage:
			msg := string(data)
			if len(rec.Messages) == 0 {
				if err := json.Unmarshal(data, &rec.Metadata); err != nil {
					slog.Debug("[Sink] First text frame is not metadata", "id", rec.ID, "error", err)
				}
			}
			rec.Messages = append(rec.Messages, msg)
			slog.Info("[Sink] Message", "id", rec.ID, "message", msg)
		case websocket.BinaryMessage:
			n, err := w.Write(data)
			rec.Bytes += int64(n)
			if err != nil {
				return fmt.Errorf("write audio: %w", err)
			}
		}
	}
}

// encoder writes L16 as-is or transcodes it to G.711. An odd trailing byte
// is held until the next frame so samples are never split.
type encoder struct {
	out      io.Writer
	encoding Encoding
	carry    []byte
}

func newEncoder(out io.Writer, encoding Encoding) *encoder {
	return &encoder{out: out, encoding: encoding}
}

// Write returns the number of bytes written to the underlying writer.
func (e *encoder) Write(p []byte) (int, error) {
	if e.encoding == EncodingL16 {
		return e.out.Write(p)
	}
	if len(e.carry) > 0 {
		p = append(e.carry, p...)
		e.carry = nil
	}
	if len(p)%2 == 1 {
		e.carry = []byte{p[len(p)-1]}
		p = p[:len(p)-1]
	}
	if len(p) == 0 {
		return 0, nil
	}
	var encoded []byte
	if e.encoding == EncodingUlaw {
		encoded = g711.EncodeUlaw(p)
	} else {
		encoded = g711.EncodeAlaw(p)
	}
	return e.out.Write(encoded)
}

// Flush drops a dangling half sample.
func (e *encoder) Flush() error {
	if len(e.carry) > 0 {
		slog.Debug("[Sink] Dropping trailing odd byte")
		e.carry = nil
	}
	return nil
}
