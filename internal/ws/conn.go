package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"proctord/internal/limit"
	"proctord/internal/logging"
	"proctord/internal/notify"
	"proctord/internal/session"
	"proctord/internal/violation"
)

type frame struct {
	kind int
	data []byte
}

// conn serves one client connection and owns at most one session.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	send   chan frame
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	encoding atomic.Value // Encoding

	mu   sync.Mutex
	sess *session.Session

	frames *limit.Bucket

	closeOnce sync.Once
	closed    chan struct{}
	dropped   atomic.Int64
}

func newConn(srv *Server, ws *websocket.Conn, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:    srv,
		ws:     ws,
		send:   make(chan frame, srv.opts.SendBuffer),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		frames: limit.NewBucket(srv.opts.FrameRate, srv.opts.FrameBurst),
		closed: make(chan struct{}),
	}
	c.encoding.Store(EncodingJSON)
	return c
}

// Notify implements notify.Notifier. It is called under the session lock,
// so it never blocks: a full queue drops the message.
func (c *conn) Notify(msg notify.Message) {
	c.enqueue(msg)
}

func (c *conn) enqueue(v any) {
	enc := c.encoding.Load().(Encoding)
	data, err := encode(enc, v)
	if err != nil {
		c.logger.Error("encode outbound message", "error", err)
		return
	}
	kind := websocket.TextMessage
	if enc == EncodingCBOR {
		kind = websocket.BinaryMessage
	}

	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- frame{kind: kind, data: data}:
	default:
		c.dropped.Add(1)
		c.logger.Warn("client too slow, dropping message")
	}
}

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// serve runs the pumps until the client goes away, then releases the
// session.
func (c *conn) serve() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writePump()
	}()

	c.readPump()
	c.close()
	c.wg.Wait()

	if s := c.session(); s != nil {
		c.srv.manager.Remove(s.ID())
		c.logger.Info("session released", "session_id", s.ID())
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
		c.ws.Close()
	})
}

func (c *conn) readPump() {
	defer logging.Recover(c.logger, "ws.read", nil)

	c.ws.SetReadLimit(c.srv.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.pongWait()))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		var msg ClientMessage
		switch kind {
		case websocket.TextMessage:
			msg, err = c.srv.decoder.decodeText(data)
		case websocket.BinaryMessage:
			msg, err = c.srv.decoder.decodeBinary(data)
		}
		if (err != nil || msg.Type.metered()) && !c.frames.Allow() {
			c.reply(ErrorMessage{Type: MsgError, Seq: msg.Seq, Code: CodeRateLimited, Message: "too many frames"})
			continue
		}
		if err != nil {
			c.reply(ErrorMessage{Type: MsgError, Seq: msg.Seq, Code: CodeBadMessage, Message: err.Error()})
			continue
		}
		c.handle(msg)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *conn) reply(v any) { c.enqueue(v) }

func (c *conn) replyState(s *session.Session, seq uint64) {
	c.reply(StateMessage{Type: MsgState, SessionID: s.ID(), Seq: seq, State: s.State()})
}

func (c *conn) replyError(seq uint64, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrTerminated), errors.Is(err, session.ErrEnded):
		code = CodeConflict
	case errors.Is(err, session.ErrInactive):
		code = CodeInactive
	case errors.Is(err, violation.ErrNoPopup):
		code = CodeNoPopup
	case errors.Is(err, session.ErrDisplayBlocked):
		code = CodeDisplayBlocked
	}
	c.reply(ErrorMessage{Type: MsgError, Seq: seq, Code: code, Message: err.Error()})
}

// async runs a blocking session call off the read loop.
func (c *conn) async(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer logging.Recover(c.logger, "ws.async", nil)
		fn(c.ctx)
	}()
}

func (c *conn) handle(msg ClientMessage) {
	if msg.Type == MsgHello {
		c.hello(msg)
		return
	}

	s := c.session()
	if s == nil {
		c.reply(ErrorMessage{Type: MsgError, Seq: msg.Seq, Code: CodeNoSession, Message: "send hello first"})
		return
	}
	now := time.Now()

	switch msg.Type {
	case MsgActivate:
		if err := s.Activate(c.ctx); err != nil {
			c.replyError(msg.Seq, err)
			return
		}
		c.replyState(s, msg.Seq)

	case MsgDeactivate:
		s.Deactivate()
		c.replyState(s, msg.Seq)

	case MsgFaces:
		s.ObserveFaces(now, *msg.Faces)

	case MsgAudio:
		s.ObserveSamples(now, msg.Samples)

	case MsgLevel:
		s.ObserveLevel(now, *msg.Level)

	case MsgMetrics:
		s.UpdateMetrics(*msg.Metrics)

	case MsgEvent:
		ev, err := msg.Event.toBus(now)
		if err != nil {
			c.reply(ErrorMessage{Type: MsgError, Seq: msg.Seq, Code: CodeBadMessage, Message: err.Error()})
			return
		}
		c.reply(AckMessage{Type: MsgAck, Seq: msg.Seq, Prevented: s.Publish(ev)})

	case MsgDismiss:
		if err := s.Dismiss(now); err != nil {
			c.replyError(msg.Seq, err)
		}

	case MsgFullscreenReturn:
		c.async(func(ctx context.Context) {
			if err := s.ReturnToFullscreen(ctx); err != nil {
				c.replyError(msg.Seq, err)
			}
		})

	case MsgEndTest:
		if err := s.EndTest(now); err != nil {
			c.replyError(msg.Seq, err)
		}

	case MsgDisplayRetry:
		c.async(func(ctx context.Context) { s.RetryDisplay(ctx) })
	}
}

func (c *conn) hello(msg ClientMessage) {
	if s := c.session(); s != nil {
		c.replyState(s, msg.Seq)
		return
	}

	if msg.Hello != nil && msg.Hello.Encoding == EncodingCBOR {
		c.encoding.Store(EncodingCBOR)
	}

	var s *session.Session
	s, err := c.srv.manager.Create(
		session.WithNotifier(c),
		session.OnTermination(func(string) {
			c.replyState(s, 0)
		}),
	)
	if err != nil {
		c.replyError(msg.Seq, err)
		return
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	attrs := []any{"session_id", s.ID()}
	if msg.Hello != nil {
		attrs = append(attrs, "client", msg.Hello.Client, "version", msg.Hello.Version)
	}
	c.logger.Info("session opened", attrs...)

	// Metrics sent with hello let the display gate decide on its first probe.
	if msg.Metrics != nil {
		s.UpdateMetrics(*msg.Metrics)
	}
	c.replyState(s, msg.Seq)
	c.async(func(ctx context.Context) { s.CheckDisplay(ctx) })
}
