// Package transport implements the client-facing WebSocket endpoint.
//
// Each connection is served by one read loop (this package) and one write
// loop draining the participant's send queue. Before a successful join only
// join, ping, and leave are meaningful; everything else is a protocol error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/babblefish/babblefish/internal/observe"
	"github.com/babblefish/babblefish/internal/protocol"
	"github.com/babblefish/babblefish/internal/room"
	"github.com/babblefish/babblefish/pkg/language"
)

// defaultReadLimit bounds a single inbound frame. Audio packets are a few
// hundred bytes of base64; 1 MiB leaves generous headroom.
const defaultReadLimit = 1 << 20

// Server terminates client WebSocket connections and bridges them to the
// room manager.
type Server struct {
	manager *room.Manager
	metrics *observe.Metrics

	// idleTimeout holds nanoseconds; atomic so it can be hot-reloaded while
	// connections are being served.
	idleTimeout   atomic.Int64
	readLimit     int64
	queueCapacity int
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithIdleTimeout disconnects connections that send nothing for d. Zero
// disables the idle check.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout.Store(int64(d)) }
}

// WithReadLimit overrides the per-frame read limit.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithQueueCapacity sets the per-participant send queue capacity. Zero means
// the room package default.
func WithQueueCapacity(n int) Option {
	return func(s *Server) { s.queueCapacity = n }
}

// WithServerMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithServerMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a WebSocket server on top of the given room manager.
func NewServer(manager *room.Manager, opts ...Option) *Server {
	s := &Server{
		manager:   manager,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetIdleTimeout changes the idle disconnect timeout. Takes effect on each
// connection's next read.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout.Store(int64(d))
}

// Register mounts the WebSocket endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/client", s.handleClient)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect from arbitrary origins; auth is out of
		// band.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	s.metrics.ActiveConnections.Add(r.Context(), 1)
	defer s.metrics.ActiveConnections.Add(context.Background(), -1)

	c := &client{srv: s, conn: conn, remote: r.RemoteAddr}
	c.serve(r.Context())
}

// client is the per-connection state. All fields are owned by the read loop;
// the write loop touches only the queue and the connection.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	remote string

	// set on successful join
	roomID string
	pid    string
	rm     *room.Room
	queue  *room.SendQueue
}

// serve runs the read loop until the connection dies, the client leaves, or
// the idle timeout fires. A disconnect while joined is an implicit leave.
func (c *client) serve(ctx context.Context) {
	defer c.conn.Close(websocket.StatusInternalError, "")
	defer func() {
		if c.rm != nil {
			c.rm.Leave(c.pid)
		}
	}()

	for {
		data, err := c.read(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				slog.Info("closing idle connection",
					"remote", c.remote, "room", c.roomID, "participant", c.pid)
				c.conn.Close(websocket.StatusGoingAway, "idle timeout")
				return
			}
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("read failed", "remote", c.remote, "err", err)
			}
			return
		}
		if data == nil {
			// Non-text frame already answered with an error.
			continue
		}
		if done := c.handle(ctx, data); done {
			return
		}
	}
}

// read returns the next text frame, applying the idle deadline. A nil frame
// with nil error means a non-text frame was rejected.
func (c *client) read(ctx context.Context) ([]byte, error) {
	readCtx := ctx
	if d := time.Duration(c.srv.idleTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	typ, data, err := c.conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		c.sendError(ctx, protocol.CodeInvalidMessage, "expected a JSON text frame")
		return nil, nil
	}
	return data, nil
}

// handle dispatches one parsed frame. Returns true when the connection
// should close.
func (c *client) handle(ctx context.Context, data []byte) bool {
	msg, err := protocol.ParseInbound(data)
	if err != nil {
		c.sendError(ctx, protocol.CodeInvalidMessage, "unrecognized or malformed message")
		return false
	}

	switch m := msg.(type) {
	case *protocol.Join:
		c.handleJoin(ctx, m)

	case *protocol.Audio:
		if c.rm == nil {
			c.sendError(ctx, protocol.CodeInvalidMessage, "join a room before sending audio")
			return false
		}
		c.rm.HandleAudio(c.pid, m.Data)

	case *protocol.UtteranceEnd:
		if c.rm == nil {
			c.sendError(ctx, protocol.CodeInvalidMessage, "join a room before ending an utterance")
			return false
		}
		c.rm.HandleUtteranceEnd(c.pid)

	case *protocol.Leave:
		// A leave before join is a plain close.
		if c.rm != nil {
			c.rm.Leave(c.pid)
			c.rm = nil
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
		return true

	case *protocol.Ping:
		// Every ping gets exactly one pong, joined or not.
		c.send(ctx, protocol.NewPong(), protocol.TypePong)
	}
	return false
}

func (c *client) handleJoin(ctx context.Context, m *protocol.Join) {
	if c.rm != nil {
		c.sendError(ctx, protocol.CodeInvalidMessage, "already joined a room")
		return
	}
	if err := m.Validate(); err != nil {
		c.sendError(ctx, protocol.CodeInvalidMessage, err.Error())
		return
	}

	queue := room.NewSendQueue(c.srv.queueCapacity)
	kick := func() { c.conn.Close(websocket.StatusPolicyViolation, "send queue stuck") }

	roomID, res, err := c.srv.manager.Join(ctx,
		strings.ToUpper(m.RoomID), m.Name, strings.ToLower(m.Language), queue, kick)
	if err != nil {
		c.rejectJoin(ctx, err)
		return
	}

	c.roomID = roomID
	c.pid = res.ParticipantID
	c.rm = c.srv.manager.Get(roomID)
	c.queue = queue

	// The ack goes out before the write loop starts so it precedes anything
	// the room has already queued.
	if err := c.writeDirect(ctx, protocol.NewJoined(roomID, res.ParticipantID, res.Others)); err != nil {
		c.rm.Leave(c.pid)
		c.rm = nil
		return
	}

	go c.writeLoop(ctx)
}

// rejectJoin maps a manager error to its wire error.
func (c *client) rejectJoin(ctx context.Context, err error) {
	switch {
	case errors.Is(err, language.ErrUnsupported):
		c.sendError(ctx, protocol.CodeUnsupportedLanguage, err.Error())
	case errors.Is(err, room.ErrRoomFull):
		c.sendError(ctx, protocol.CodeRoomFull,
			fmt.Sprintf("Room is full (max %d participants)", c.srv.manager.MaxParticipants()))
	case errors.Is(err, room.ErrServerFull):
		c.sendError(ctx, protocol.CodeRoomFull, "Server is at capacity, try again later")
	case errors.Is(err, room.ErrInvalidRoomID):
		c.sendError(ctx, protocol.CodeInvalidMessage, "room id must be 6 characters A-Z and 2-9")
	default:
		slog.Error("join failed", "remote", c.remote, "err", err)
		c.sendError(ctx, protocol.CodePipelineError, "internal error")
	}
}

// writeLoop drains the send queue onto the connection. It exits when the
// queue closes (leave, kick, or room teardown) or the connection dies.
func (c *client) writeLoop(ctx context.Context) {
	for {
		env, err := c.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, room.ErrQueueClosed) {
				c.conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		if err := c.conn.Write(ctx, websocket.MessageText, env.Data); err != nil {
			slog.Debug("write failed", "remote", c.remote, "participant", c.pid, "err", err)
			return
		}
	}
}

// send delivers msg to this client. After a join the write loop owns the
// connection, so the message rides the send queue; before it, the read loop
// writes directly.
func (c *client) send(ctx context.Context, msg any, msgType string) {
	if c.queue == nil {
		_ = c.writeDirect(ctx, msg)
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("encode failed", "type", msgType, "err", err)
		return
	}
	_, _ = c.queue.Push(room.Envelope{Data: data, MsgType: msgType, Critical: protocol.Critical(msgType)})
}

func (c *client) sendError(ctx context.Context, code, message string) {
	c.send(ctx, protocol.NewError(code, message), protocol.TypeError)
}

func (c *client) writeDirect(ctx context.Context, msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}
