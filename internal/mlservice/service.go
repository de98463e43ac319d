// Package mlservice talks to the ML inference subprocess over a websocket
// RPC. The subprocess is a process-wide singleton: it is started lazily by
// the first call that needs it and stopped once on worker shutdown.
package mlservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrStopped     = errors.New("ml service stopped")
	ErrUnavailable = errors.New("ml service unavailable")
)

// Message types on the wire.
const (
	typeTranscribe    = "transcribe"
	typeAnalyzeFrames = "analyze_frames"
	typeEmbed         = "embed"

	typeProgress = "progress"
	typeResult   = "result"
	typeError    = "error"
)

type envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	JobID    string          `json:"jobId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Progress float64         `json:"progress,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type Config struct {
	Command      string
	Args         []string
	URL          string
	StartTimeout time.Duration
}

type call struct {
	jobID      string
	onProgress func(float64)
	done       chan envelope
}

// Service is the RPC client plus the subprocess it owns.
type Service struct {
	cfg Config

	mu   sync.Mutex
	proc *process
	conn *websocket.Conn
	// stopped blocks lazy restarts once Stop has been called.
	stopped bool

	writeMu sync.Mutex

	callsMu sync.Mutex
	calls   map[string]*call

	seq atomic.Uint64
}

func New(cfg Config) *Service {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	return &Service{cfg: cfg, calls: map[string]*call{}}
}

func (s *Service) Name() string { return "ml-service" }

// Start launches the subprocess if configured and waits until its socket
// accepts connections. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	return s.ensureLocked(ctx)
}

func (s *Service) ensure(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if err := s.ensureLocked(ctx); err != nil {
		return nil, err
	}
	return s.conn, nil
}

func (s *Service) ensureLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	if s.cfg.Command != "" && (s.proc == nil || s.proc.exited()) {
		p, err := startProcess(s.cfg.Command, s.cfg.Args)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s.proc = p
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	go s.readLoop(conn)
	slog.Info("ml service ready", "url", s.cfg.URL)
	return nil
}

// dial retries until the subprocess listens or StartTimeout passes.
func (s *Service) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	backoff := 200 * time.Millisecond
	for {
		conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
		if err == nil {
			return conn, nil
		}
		if s.proc != nil && s.proc.exited() {
			return nil, fmt.Errorf("%w: process exited: %v", ErrUnavailable, s.proc.err())
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// Stop closes the connection, fails in-flight calls and terminates the
// subprocess. Stop is idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	s.conn = nil
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	s.failAll(ErrStopped)
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	if proc != nil {
		return proc.stop(ctx)
	}
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error { return s.Stop(ctx) }

func (s *Service) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				slog.Warn("ml service connection lost", "error", err)
			}
			s.failAll(fmt.Errorf("%w: %v", ErrUnavailable, err))
			return
		}
		s.dispatch(env)
	}
}

func (s *Service) dispatch(env envelope) {
	s.callsMu.Lock()
	c, ok := s.calls[env.ID]
	if ok && env.Type != typeProgress {
		delete(s.calls, env.ID)
	}
	s.callsMu.Unlock()
	if !ok {
		return
	}

	if env.Type == typeProgress {
		if env.JobID != c.jobID {
			slog.Debug("ignoring progress for another job", "call_job_id", c.jobID, "job_id", env.JobID)
			return
		}
		if c.onProgress != nil {
			c.onProgress(env.Progress)
		}
		return
	}
	c.done <- env
}

func (s *Service) failAll(err error) {
	s.callsMu.Lock()
	pending := s.calls
	s.calls = map[string]*call{}
	s.callsMu.Unlock()
	for _, c := range pending {
		c.done <- envelope{Type: typeError, Error: err.Error()}
	}
}

// invoke sends one request and waits for its result.
func (s *Service) invoke(ctx context.Context, typ, jobID string, payload any, onProgress func(float64)) (json.RawMessage, error) {
	conn, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(s.seq.Add(1), 10)
	c := &call{jobID: jobID, onProgress: onProgress, done: make(chan envelope, 1)}
	s.callsMu.Lock()
	s.calls[id] = c
	s.callsMu.Unlock()

	s.writeMu.Lock()
	err = conn.WriteJSON(envelope{ID: id, Type: typ, JobID: jobID, Payload: body})
	s.writeMu.Unlock()
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("%w: send %s: %v", ErrUnavailable, typ, err)
	}

	select {
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	case env := <-c.done:
		if env.Type == typeError {
			return nil, fmt.Errorf("ml %s: %s", typ, env.Error)
		}
		return env.Payload, nil
	}
}

func (s *Service) forget(id string) {
	s.callsMu.Lock()
	delete(s.calls, id)
	s.callsMu.Unlock()
}

type fileRequest struct {
	VideoPath  string `json:"videoPath"`
	OutputPath string `json:"outputPath"`
}

// Transcribe writes the transcription artifact of videoPath to outputPath.
func (s *Service) Transcribe(ctx context.Context, videoPath, outputPath, jobID string, onProgress func(float64)) error {
	_, err := s.invoke(ctx, typeTranscribe, jobID, fileRequest{VideoPath: videoPath, OutputPath: outputPath}, onProgress)
	return err
}

// AnalyzeFrames writes the frame analysis artifact of videoPath to outputPath.
func (s *Service) AnalyzeFrames(ctx context.Context, videoPath, outputPath, jobID string, onProgress func(float64)) error {
	_, err := s.invoke(ctx, typeAnalyzeFrames, jobID, fileRequest{VideoPath: videoPath, OutputPath: outputPath}, onProgress)
	return err
}

// Modality selects the embedding model.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityAudio  Modality = "audio"
	ModalityVisual Modality = "visual"
)

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// EmbedRequest asks for one vector per text (text modality) or per segment
// of VideoPath (audio and visual modalities).
type EmbedRequest struct {
	Modality  Modality  `json:"modality"`
	Texts     []string  `json:"texts,omitempty"`
	VideoPath string    `json:"videoPath,omitempty"`
	Segments  []Segment `json:"segments,omitempty"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func (s *Service) Embed(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	raw, err := s.invoke(ctx, typeEmbed, "", req, nil)
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	want := len(req.Texts)
	if req.Modality != ModalityText {
		want = len(req.Segments)
	}
	if len(resp.Vectors) != want {
		return nil, fmt.Errorf("ml embed: got %d vectors for %d inputs", len(resp.Vectors), want)
	}
	return resp.Vectors, nil
}
