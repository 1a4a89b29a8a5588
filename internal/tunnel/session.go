package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/passage-dev/passage/internal/metrics"
	"github.com/passage-dev/passage/internal/protocol"
)

// Conn is the bidirectional message transport a session runs over.
// Production sessions wrap a websocket connection (see WSConn); tests
// use in-memory pipes. One call carries exactly one frame.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// RequestHandler processes an inbound request frame on an agent-side
// session. It runs on its own goroutine; responses go back through
// Session.Send.
type RequestHandler func(ctx context.Context, f *protocol.Frame)

// SessionOptions configures a Session. Zero values fall back to the
// package defaults.
type SessionOptions struct {
	TunnelID          string
	Conn              Conn
	Clock             Clock
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	MissThreshold     int
	MaxFrameBytes     int
	MaxInFlight       int

	// OnRequest, when set, makes this an agent-side session: inbound
	// request frames are dispatched to it. When nil (server side), an
	// inbound request frame is a protocol error.
	OnRequest RequestHandler

	// OnActivity is invoked with the observation time for every frame
	// read or written. The registry uses it to advance last-activity.
	OnActivity func(at time.Time)
}

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultMissThreshold     = 3
	defaultMaxInFlight       = 64
	outboundQueueSize        = 32
)

// Session owns one live transport bound to one tunnel. It runs an
// inbound pump (demultiplexing responses into pending waiters or
// requests into the handler) and an outbound pump (draining a bounded
// queue and emitting heartbeats). All outstanding waiters resolve with
// ErrSessionClosed when the session terminates.
type Session struct {
	tunnelID string
	conn     Conn
	clock    Clock
	log      *slog.Logger

	heartbeatInterval time.Duration
	missThreshold     int
	maxFrameBytes     int
	maxInFlight       int
	onRequest         RequestHandler
	onActivity        func(time.Time)

	outbound chan *protocol.Frame

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame

	writeMu sync.Mutex

	// alive is reset by any inbound frame and incremented once per
	// heartbeat interval; crossing the miss threshold kills the session.
	aliveMu sync.Mutex
	misses  int

	handlers sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
	cause     string
	causeMsg  string
}

// NewSession constructs a session around an already-handshaken
// transport. Call Run to start the pumps.
func NewSession(opts SessionOptions) *Session {
	s := &Session{
		tunnelID:          opts.TunnelID,
		conn:              opts.Conn,
		clock:             opts.Clock,
		log:               opts.Logger,
		heartbeatInterval: opts.HeartbeatInterval,
		missThreshold:     opts.MissThreshold,
		maxFrameBytes:     opts.MaxFrameBytes,
		maxInFlight:       opts.MaxInFlight,
		onRequest:         opts.OnRequest,
		onActivity:        opts.OnActivity,
		outbound:          make(chan *protocol.Frame, outboundQueueSize),
		pending:           make(map[string]chan *protocol.Frame),
		done:              make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = SystemClock()
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "session", "tunnel", s.tunnelID)
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = defaultHeartbeatInterval
	}
	if s.missThreshold <= 0 {
		s.missThreshold = defaultMissThreshold
	}
	if s.maxFrameBytes <= 0 {
		s.maxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if s.maxInFlight <= 0 {
		s.maxInFlight = defaultMaxInFlight
	}
	return s
}

// Run starts both pumps and blocks until the session terminates. The
// returned error is nil for peer-initiated or administrative closes;
// the close cause is always available via Cause.
func (s *Session) Run(ctx context.Context) error {
	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.CloseWith(protocol.KindShutdown, "server shutting down")
		case <-s.done:
		}
	}()

	s.readPump(ctx)
	<-s.done
	s.handlers.Wait()
	return nil
}

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cause reports the close cause kind after Done is closed.
func (s *Session) Cause() string {
	select {
	case <-s.done:
		return s.cause
	default:
		return ""
	}
}

// TunnelID returns the owning tunnel identifier.
func (s *Session) TunnelID() string { return s.tunnelID }

// SetRequestHandler installs the inbound request dispatcher for
// agent-side sessions whose handler needs a reference to the session
// itself. Must be called before Run.
func (s *Session) SetRequestHandler(h RequestHandler) { s.onRequest = h }

// SendRequest serializes one proxied request over the session and
// waits for the correlated response. The correlation id is allocated
// here and is unique for the session lifetime. On deadline expiry the
// waiter is removed and ErrRequestTimeout returned; a response
// arriving later is dropped silently. On session termination all
// waiters resolve with ErrSessionClosed.
func (s *Session) SendRequest(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	select {
	case <-s.done:
		return nil, ErrSessionClosed
	default:
	}

	f.Type = protocol.TypeRequest
	f.ID = uuid.NewString()

	waiter := make(chan *protocol.Frame, 1)
	s.pendingMu.Lock()
	if len(s.pending) >= s.maxInFlight {
		s.pendingMu.Unlock()
		return nil, ErrTunnelBusy
	}
	s.pending[f.ID] = waiter
	s.pendingMu.Unlock()

	// Enqueue. A full outbound queue blocks up to the deadline so a
	// slow agent exerts backpressure instead of growing memory.
	select {
	case s.outbound <- f:
	case <-ctx.Done():
		s.removeWaiter(f.ID)
		return nil, deadlineError(ctx)
	case <-s.done:
		s.removeWaiter(f.ID)
		return nil, ErrSessionClosed
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		s.removeWaiter(f.ID)
		return nil, deadlineError(ctx)
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// Send enqueues a frame on the outbound pump. Agent-side dispatch uses
// it to return response frames.
func (s *Session) Send(f *protocol.Frame) error {
	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// InFlight reports the number of pending proxied requests.
func (s *Session) InFlight() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// CloseWith terminates the session with the given cause. A best-effort
// close frame is written before the transport is torn down. Safe to
// call multiple times; only the first cause is recorded.
func (s *Session) CloseWith(kind, message string) {
	s.shutdown(kind, message, true)
}

// shutdown performs the single teardown path. sendClose controls
// whether a close frame is attempted; it is skipped when the peer
// initiated the close or the transport is already broken.
func (s *Session) shutdown(kind, message string, sendClose bool) {
	s.closeOnce.Do(func() {
		s.cause = kind
		s.causeMsg = message

		if sendClose {
			frame := &protocol.Frame{Type: protocol.TypeClose, Kind: kind, Message: message}
			if data, err := protocol.Encode(frame, s.maxFrameBytes); err == nil {
				s.write(data)
			}
		}

		close(s.done)
		s.conn.Close()
		s.failAllWaiters()

		s.log.Info("session closed", "cause", kind, "message", message)
	})
}

func (s *Session) readPump(ctx context.Context) {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(protocol.KindPeerClose, "transport closed by peer", false)
			return
		}

		f, err := protocol.Decode(data, s.maxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				metrics.FramesRejected.WithLabelValues("too_large").Inc()
				s.CloseWith(protocol.KindFrameTooLarge, err.Error())
			default:
				metrics.FramesRejected.WithLabelValues("malformed").Inc()
				s.CloseWith(protocol.KindMalformedFrame, err.Error())
			}
			return
		}

		s.touch()
		s.resetMisses()

		switch f.Type {
		case protocol.TypeResponse:
			s.completeWaiter(f)

		case protocol.TypePing:
			pong := &protocol.Frame{Type: protocol.TypePong, T: f.T}
			select {
			case s.outbound <- pong:
			case <-s.done:
				return
			}

		case protocol.TypePong:
			// Liveness already accounted for above.

		case protocol.TypeRequest:
			if s.onRequest == nil {
				s.CloseWith(protocol.KindProtocol, "unexpected request frame on server session")
				return
			}
			s.handlers.Add(1)
			go func(f *protocol.Frame) {
				defer s.handlers.Done()
				s.onRequest(ctx, f)
			}(f)

		case protocol.TypeClose:
			s.shutdown(f.Kind, f.Message, false)
			return

		default:
			// attach/ack/error are handshake-only frames.
			s.CloseWith(protocol.KindProtocol, "unexpected frame type "+string(f.Type))
			return
		}

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) writePump() {
	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	sentInInterval := false
	for {
		select {
		case f := <-s.outbound:
			data, err := protocol.Encode(f, s.maxFrameBytes)
			if err != nil {
				metrics.FramesRejected.WithLabelValues("too_large").Inc()
				s.CloseWith(protocol.KindFrameTooLarge, err.Error())
				return
			}
			if err := s.write(data); err != nil {
				s.shutdown(protocol.KindPeerClose, "transport write failed", false)
				return
			}
			sentInInterval = true
			s.touch()

		case now := <-ticker.C():
			if s.addMiss() >= s.missThreshold {
				s.CloseWith(protocol.KindHeartbeatTimeout, "no frames from peer within heartbeat threshold")
				return
			}
			if sentInInterval {
				sentInInterval = false
				continue
			}
			ping := &protocol.Frame{Type: protocol.TypePing, T: now.UnixNano()}
			data, err := protocol.Encode(ping, s.maxFrameBytes)
			if err != nil {
				continue
			}
			if err := s.write(data); err != nil {
				s.shutdown(protocol.KindPeerClose, "transport write failed", false)
				return
			}
			s.touch()

		case <-s.done:
			return
		}
	}
}

// write serializes transport writes so frames are never interleaved.
func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(data)
}

func (s *Session) touch() {
	if s.onActivity != nil {
		s.onActivity(s.clock.Now())
	}
}

func (s *Session) resetMisses() {
	s.aliveMu.Lock()
	s.misses = 0
	s.aliveMu.Unlock()
}

func (s *Session) addMiss() int {
	s.aliveMu.Lock()
	defer s.aliveMu.Unlock()
	s.misses++
	return s.misses
}

func (s *Session) completeWaiter(f *protocol.Frame) {
	s.pendingMu.Lock()
	waiter, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.pendingMu.Unlock()

	if !ok {
		// Late arrival after the waiter timed out: drop without
		// affecting any other waiter.
		metrics.LateResponsesDropped.Inc()
		return
	}
	waiter <- f
}

func (s *Session) removeWaiter(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) failAllWaiters() {
	s.pendingMu.Lock()
	for id, waiter := range s.pending {
		delete(s.pending, id)
		close(waiter)
	}
	s.pendingMu.Unlock()
}

func deadlineError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return ctx.Err()
}
