package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/passage-dev/passage/internal/metrics"
	"github.com/passage-dev/passage/internal/protocol"
	"github.com/passage-dev/passage/internal/tunnel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// Agents dial from arbitrary origins; the attach token is the
	// authentication boundary.
	CheckOrigin: func(*http.Request) bool { return true },
}

// connect upgrades the transport endpoint /api/tunnel/connect/{id}.
// The first frame must be an attach carrying the tunnel's token; the
// server answers with ack or error(kind) followed by a policy close.
func (m *Mux) connect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	conn := tunnel.NewWSConn(ws, m.cfg.MaxFrameBytes)

	attach, err := m.readAttach(ws, conn)
	if err != nil {
		m.rejectAttach(ws, conn, protocol.KindProtocol, err.Error())
		return
	}

	sess := tunnel.NewSession(tunnel.SessionOptions{
		TunnelID:          id,
		Conn:              conn,
		Clock:             m.clock,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		MissThreshold:     m.cfg.MissThreshold,
		MaxFrameBytes:     m.cfg.MaxFrameBytes,
		MaxInFlight:       m.cfg.MaxInFlight,
		OnActivity:        func(at time.Time) { m.registry.Touch(id, at) },
	})

	if err := m.registry.Attach(id, attach.AuthToken, sess); err != nil {
		kind := attachErrorKind(err)
		m.log.Warn("attach rejected", "tunnel", id, "kind", kind)
		m.rejectAttach(ws, conn, kind, err.Error())
		return
	}
	defer m.registry.Detach(id, sess)

	if err := writeFrame(conn, &protocol.Frame{Type: protocol.TypeAck}, m.cfg.MaxFrameBytes); err != nil {
		conn.Close()
		return
	}

	metrics.SessionsAttached.Inc()
	m.log.Info("tunnel attached", "tunnel", id, "remote", r.RemoteAddr)

	_ = sess.Run(r.Context())
	m.log.Info("tunnel session ended", "tunnel", id, "cause", sess.Cause())
}

// readAttach waits for the handshake frame within the handshake
// timeout.
func (m *Mux) readAttach(ws *websocket.Conn, conn tunnel.Conn) (*protocol.Frame, error) {
	_ = ws.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	data, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.New("no attach frame before handshake timeout")
	}
	f, err := protocol.Decode(data, m.cfg.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	if f.Type != protocol.TypeAttach {
		return nil, errors.New("first frame must be attach")
	}
	return f, nil
}

// rejectAttach sends an error frame plus a non-1000 websocket close
// and drops the connection.
func (m *Mux) rejectAttach(ws *websocket.Conn, conn tunnel.Conn, kind, message string) {
	_ = writeFrame(conn, &protocol.Frame{Type: protocol.TypeError, Kind: kind, Message: message}, m.cfg.MaxFrameBytes)
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, kind), deadline)
	conn.Close()
}

func attachErrorKind(err error) string {
	switch {
	case errors.Is(err, tunnel.ErrUnknownTunnel):
		return protocol.KindUnknownID
	case errors.Is(err, tunnel.ErrBadToken):
		return protocol.KindBadToken
	case errors.Is(err, tunnel.ErrAlreadyAttached):
		return protocol.KindAlreadyAttached
	case errors.Is(err, tunnel.ErrCapacity):
		return protocol.KindCapacity
	default:
		return protocol.KindProtocol
	}
}

func writeFrame(conn tunnel.Conn, f *protocol.Frame, maxBytes int) error {
	data, err := protocol.Encode(f, maxBytes)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}
