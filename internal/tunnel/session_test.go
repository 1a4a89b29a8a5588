package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/passage-dev/passage/internal/protocol"
)

// pipeConn is an in-memory Conn for driving sessions without a network.
// Both ends share the closed channel, like a real transport where
// either side hanging up breaks both directions.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

func newConnPipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := new(sync.Once)
	a := &pipeConn{in: ba, out: ab, closed: closed, once: once}
	b := &pipeConn{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	// Prefer buffered data so frames written just before Close are
	// still delivered.
	select {
	case data := <-c.in:
		return data, nil
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("pipe closed")
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("pipe closed")
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeTicker and fakeClock drive heartbeat and sweep loops manually.
type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time)}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

// Tick fires every ticker once and blocks until each fire is consumed.
// It waits for at least one ticker to be registered so a Tick issued
// right after spawning a loop is not silently dropped.
func (c *fakeClock) Tick() {
	var now time.Time
	var tickers []*fakeTicker
	for {
		c.mu.Lock()
		now = c.now
		tickers = append([]*fakeTicker(nil), c.tickers...)
		c.mu.Unlock()
		if len(tickers) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	for _, t := range tickers {
		t.ch <- now
	}
}

func encodeFrame(t *testing.T, f *protocol.Frame) []byte {
	t.Helper()
	data, err := protocol.Encode(f, protocol.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("encode %s frame: %v", f.Type, err)
	}
	return data
}

func decodeFrame(t *testing.T, data []byte) *protocol.Frame {
	t.Helper()
	f, err := protocol.Decode(data, protocol.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

// echoPeer answers requests by mirroring the body and tagging the path,
// and answers pings with pongs. It stops on the first read error.
func echoPeer(t *testing.T, conn Conn) {
	t.Helper()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data, protocol.DefaultMaxFrameBytes)
		if err != nil {
			return
		}
		switch f.Type {
		case protocol.TypeRequest:
			resp := &protocol.Frame{
				Type:    protocol.TypeResponse,
				ID:      f.ID,
				Status:  200,
				Headers: protocol.Headers{{"X-Echo-Path", f.Path}},
				Body:    f.Body,
			}
			out, _ := protocol.Encode(resp, protocol.DefaultMaxFrameBytes)
			if conn.WriteMessage(out) != nil {
				return
			}
		case protocol.TypePing:
			out, _ := protocol.Encode(&protocol.Frame{Type: protocol.TypePong, T: f.T}, protocol.DefaultMaxFrameBytes)
			if conn.WriteMessage(out) != nil {
				return
			}
		}
	}
}

func startSession(t *testing.T, opts SessionOptions) (*Session, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sess := NewSession(opts)
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-sess.Done()
	})
	return sess, cancel
}

func TestSessionRequestResponse(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()
	go echoPeer(t, agentConn)

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := sess.SendRequest(ctx, &protocol.Frame{
		Method: "GET",
		Path:   "/hello",
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if !bytes.Equal(resp.Body, []byte("payload")) {
		t.Errorf("body = %q, want %q", resp.Body, "payload")
	}
	if got := resp.Headers.Get("X-Echo-Path"); got != "/hello" {
		t.Errorf("X-Echo-Path = %q, want %q", got, "/hello")
	}
	if n := sess.InFlight(); n != 0 {
		t.Errorf("in-flight after response = %d, want 0", n)
	}
}

func TestSessionConcurrentRequestsNoCrosstalk(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()
	go echoPeer(t, agentConn)

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			body := fmt.Sprintf("req-%d", i)
			resp, err := sess.SendRequest(ctx, &protocol.Frame{
				Method: "GET",
				Path:   fmt.Sprintf("/r/%d", i),
				Body:   []byte(body),
			})
			if err != nil {
				errs <- fmt.Errorf("request %d: %v", i, err)
				return
			}
			if string(resp.Body) != body {
				errs <- fmt.Errorf("request %d got body %q", i, resp.Body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSessionRequestTimeoutAndLateResponse(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()

	// The peer holds the first request and answers it only after being
	// released, long past the caller's deadline.
	firstID := make(chan string, 1)
	release := make(chan struct{})
	go func() {
		for {
			data, err := agentConn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(data, protocol.DefaultMaxFrameBytes)
			if err != nil || f.Type != protocol.TypeRequest {
				continue
			}
			select {
			case firstID <- f.ID:
				go func(id string) {
					<-release
					out, _ := protocol.Encode(&protocol.Frame{Type: protocol.TypeResponse, ID: id, Status: 200}, protocol.DefaultMaxFrameBytes)
					_ = agentConn.WriteMessage(out)
				}(f.ID)
			default:
				// Later requests echo immediately.
				out, _ := protocol.Encode(&protocol.Frame{Type: protocol.TypeResponse, ID: f.ID, Status: 204}, protocol.DefaultMaxFrameBytes)
				_ = agentConn.WriteMessage(out)
			}
		}
	}()

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sess.SendRequest(ctx, &protocol.Frame{Method: "GET", Path: "/slow"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("SendRequest error = %v, want ErrRequestTimeout", err)
	}
	if n := sess.InFlight(); n != 0 {
		t.Errorf("in-flight after timeout = %d, want 0", n)
	}

	// Release the late response; it must be dropped without disturbing
	// the session or any other waiter.
	close(release)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	resp, err := sess.SendRequest(ctx2, &protocol.Frame{Method: "GET", Path: "/fast"})
	if err != nil {
		t.Fatalf("SendRequest after late response: %v", err)
	}
	if resp.Status != 204 {
		t.Errorf("status = %d, want 204", resp.Status)
	}
}

func TestSessionCloseFailsWaiters(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := sess.SendRequest(ctx, &protocol.Frame{Method: "GET", Path: "/hang"})
		errCh <- err
	}()

	// Wait for the request to be in flight, then hang up.
	waitFor(t, func() bool { return sess.InFlight() == 1 })
	agentConn.Close()

	if err := <-errCh; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("SendRequest error = %v, want ErrSessionClosed", err)
	}
	<-sess.Done()
	if cause := sess.Cause(); cause != protocol.KindPeerClose {
		t.Errorf("cause = %q, want %q", cause, protocol.KindPeerClose)
	}
}

func TestSessionInFlightCap(t *testing.T) {
	t.Parallel()

	serverConn, _ := newConnPipe()

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn, MaxInFlight: 1})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = sess.SendRequest(ctx, &protocol.Frame{Method: "GET", Path: "/a"})
	}()
	waitFor(t, func() bool { return sess.InFlight() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sess.SendRequest(ctx, &protocol.Frame{Method: "GET", Path: "/b"})
	if !errors.Is(err, ErrTunnelBusy) {
		t.Fatalf("SendRequest error = %v, want ErrTunnelBusy", err)
	}
}

func TestSessionAnswersPing(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()

	startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	if err := agentConn.WriteMessage(encodeFrame(t, &protocol.Frame{Type: protocol.TypePing, T: 42})); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	data, err := agentConn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	pong := decodeFrame(t, data)
	if pong.Type != protocol.TypePong {
		t.Fatalf("frame type = %q, want pong", pong.Type)
	}
	if pong.T != 42 {
		t.Errorf("pong tag = %d, want 42", pong.T)
	}
}

func TestServerSessionRejectsRequestFrame(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	req := &protocol.Frame{Type: protocol.TypeRequest, ID: "x", Method: "GET", Path: "/"}
	if err := agentConn.WriteMessage(encodeFrame(t, req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	<-sess.Done()
	if cause := sess.Cause(); cause != protocol.KindProtocol {
		t.Errorf("cause = %q, want %q", cause, protocol.KindProtocol)
	}

	data, err := agentConn.ReadMessage()
	if err != nil {
		t.Fatalf("read close frame: %v", err)
	}
	cl := decodeFrame(t, data)
	if cl.Type != protocol.TypeClose || cl.Kind != protocol.KindProtocol {
		t.Errorf("close frame = %+v, want close/%s", cl, protocol.KindProtocol)
	}
}

func TestSessionMalformedFrameTearsDown(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	if err := agentConn.WriteMessage([]byte("{not json")); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	<-sess.Done()
	if cause := sess.Cause(); cause != protocol.KindMalformedFrame {
		t.Errorf("cause = %q, want %q", cause, protocol.KindMalformedFrame)
	}
}

func TestSessionPeerCloseFrame(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()

	sess, _ := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	cl := &protocol.Frame{Type: protocol.TypeClose, Kind: protocol.KindShutdown, Message: "agent going away"}
	if err := agentConn.WriteMessage(encodeFrame(t, cl)); err != nil {
		t.Fatalf("write close: %v", err)
	}

	<-sess.Done()
	if cause := sess.Cause(); cause != protocol.KindShutdown {
		t.Errorf("cause = %q, want %q", cause, protocol.KindShutdown)
	}
}

func TestSessionHeartbeatTimeout(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()
	clock := newFakeClock()

	sess, _ := startSession(t, SessionOptions{
		TunnelID:          "t1",
		Conn:              serverConn,
		Clock:             clock,
		HeartbeatInterval: time.Second,
		MissThreshold:     3,
	})

	for i := 0; i < 3; i++ {
		clock.Tick()
	}

	<-sess.Done()
	if cause := sess.Cause(); cause != protocol.KindHeartbeatTimeout {
		t.Errorf("cause = %q, want %q", cause, protocol.KindHeartbeatTimeout)
	}

	// The peer sees pings for the first two intervals and a close frame
	// for the third.
	var last *protocol.Frame
	for {
		data, err := agentConn.ReadMessage()
		if err != nil {
			break
		}
		last = decodeFrame(t, data)
		if last.Type == protocol.TypeClose {
			break
		}
	}
	if last == nil || last.Type != protocol.TypeClose || last.Kind != protocol.KindHeartbeatTimeout {
		t.Errorf("last frame = %+v, want close/%s", last, protocol.KindHeartbeatTimeout)
	}
}

func TestSessionInboundFrameResetsHeartbeat(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()
	clock := newFakeClock()

	activity := make(chan time.Time, 16)
	sess, _ := startSession(t, SessionOptions{
		TunnelID:          "t1",
		Conn:              serverConn,
		Clock:             clock,
		HeartbeatInterval: time.Second,
		MissThreshold:     3,
		OnActivity:        func(at time.Time) { activity <- at },
	})

	drainPeer(agentConn)

	clock.Tick()
	clock.Tick()

	// A pong from the peer resets the miss counter; wait for the
	// session to observe it before ticking again.
	if err := agentConn.WriteMessage(encodeFrame(t, &protocol.Frame{Type: protocol.TypePong})); err != nil {
		t.Fatalf("write pong: %v", err)
	}
	select {
	case <-activity:
	case <-time.After(5 * time.Second):
		t.Fatal("session never observed the pong")
	}

	clock.Tick()
	clock.Tick()

	select {
	case <-sess.Done():
		t.Fatalf("session closed early: cause %q", sess.Cause())
	default:
	}

	clock.Tick()
	<-sess.Done()
	if cause := sess.Cause(); cause != protocol.KindHeartbeatTimeout {
		t.Errorf("cause = %q, want %q", cause, protocol.KindHeartbeatTimeout)
	}
}

func TestSessionShutdownOnContextCancel(t *testing.T) {
	t.Parallel()

	serverConn, agentConn := newConnPipe()

	sess, cancel := startSession(t, SessionOptions{TunnelID: "t1", Conn: serverConn})

	cancel()
	<-sess.Done()
	if cause := sess.Cause(); cause != protocol.KindShutdown {
		t.Errorf("cause = %q, want %q", cause, protocol.KindShutdown)
	}

	// The peer receives a close frame announcing the shutdown.
	for {
		data, err := agentConn.ReadMessage()
		if err != nil {
			t.Fatal("pipe closed before a close frame arrived")
		}
		f := decodeFrame(t, data)
		if f.Type == protocol.TypeClose {
			if f.Kind != protocol.KindShutdown {
				t.Errorf("close kind = %q, want %q", f.Kind, protocol.KindShutdown)
			}
			return
		}
	}
}

// drainPeer discards everything the session writes so the outbound
// pump never blocks on the pipe buffer.
func drainPeer(conn Conn) {
	go func() {
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
