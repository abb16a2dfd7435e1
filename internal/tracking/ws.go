package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"backend-livetrack/internal/auth"
	"backend-livetrack/internal/logging"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"
	"backend-livetrack/internal/subject"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// Handshake results are resolved before the upgrade, while the HTTP request
// is still available, and handed to the connection through locals.
const (
	localIngest = "ingest"
	localObs    = "observer"
	localErr    = "handshake_err"
	localTake   = "takeover"
)

func registerStreams(r fiber.Router, svc *Service, gw *Gateway, authn *auth.Authenticator) {
	r.Use(func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	r.Get("/publish/:sessionID", func(c *fiber.Ctx) error {
		in := svc.NewIngest(c.Params("sessionID"))
		userID, err := authn.Identify(c)
		if err == nil {
			err = in.Authenticate(c.UserContext(), userID)
		}
		if err != nil {
			c.Locals(localErr, err)
		}
		c.Locals(localIngest, in)
		c.Locals(localTake, c.QueryBool("takeover"))
		return c.Next()
	}, websocket.New(func(conn *websocket.Conn) {
		servePublisher(newWSConn(conn))
	}))

	r.Get("/observe/:subject_type/:subject_id", func(c *fiber.Ctx) error {
		s, err := subject.Parse(c.Params("subject_type"), c.Params("subject_id"))
		if err == nil {
			var cred Credential
			if cred, err = credential(c, authn); err == nil {
				var scope string
				if scope, err = gw.Authorize(c.UserContext(), s, cred); err == nil {
					c.Locals(localObs, observeTarget{gw: gw, subject: s, scope: scope})
				}
			}
		}
		if err != nil {
			c.Locals(localErr, err)
		}
		return c.Next()
	}, websocket.New(func(conn *websocket.Conn) {
		serveObserver(newWSConn(conn))
	}))
}

type observeTarget struct {
	gw      *Gateway
	subject subject.Subject
	scope   string
}

// wsConn serializes writes; gorilla-style connections allow one concurrent
// writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.Conn.Close()
}

func (c *wsConn) handshakeErr() error {
	err, _ := c.Locals(localErr).(error)
	return err
}

// closeCode maps stream and ingest errors to WebSocket close codes.
func closeCode(err error) int {
	switch {
	case errors.Is(err, stream.ErrSessionEnded):
		return apperr.CloseEnded
	case errors.Is(err, stream.ErrSuperseded):
		return apperr.CloseSuperseded
	case errors.Is(err, ErrMalformedRate):
		return apperr.CloseAbuse
	default:
		return apperr.CloseCode(err)
	}
}

func closeReason(err error) string {
	if closeCode(err) == apperr.CloseInternal {
		return "internal error"
	}
	return err.Error()
}

func servePublisher(conn *wsConn) {
	in, _ := conn.Locals(localIngest).(*Ingest)
	if err := conn.handshakeErr(); err != nil || in == nil {
		if err == nil {
			err = errBadState
		}
		conn.close(closeCode(err), closeReason(err))
		return
	}
	takeover, _ := conn.Locals(localTake).(bool)
	if err := in.Start(takeover); err != nil {
		conn.close(closeCode(err), closeReason(err))
		return
	}
	lease := in.Lease()
	log := logging.With("session_id", lease.SessionID)

	var once sync.Once
	finish := func(code int, reason string) {
		once.Do(func() { conn.close(code, reason) })
	}
	defer func() {
		in.Close()
		finish(websocket.CloseNormalClosure, "")
		log.Info().Msg("publisher disconnected")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-lease.Done():
				if err := lease.Err(); err != nil {
					finish(closeCode(err), err.Error())
				}
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		reply, err := in.Handle(msg)
		if err != nil {
			finish(closeCode(err), closeReason(err))
			return
		}
		if reply != nil {
			_ = conn.write(reply)
		}
	}
}

func serveObserver(conn *wsConn) {
	target, _ := conn.Locals(localObs).(observeTarget)
	if err := conn.handshakeErr(); err != nil || target.gw == nil {
		if err == nil {
			err = apperr.Forbidden("not allowed")
		}
		conn.close(closeCode(err), closeReason(err))
		return
	}

	o := target.gw.attach(target.subject, target.scope)
	defer target.gw.Detach(o)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// read pump: observers send nothing meaningful, but reading is what
	// processes pongs and notices the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		f, err := o.Next(ctx)
		switch {
		case err == nil:
			if err := conn.write(f.Data); err != nil {
				return
			}
		case errors.Is(err, stream.ErrObserverFinished):
			conn.close(websocket.CloseNormalClosure, "session ended")
			return
		case errors.Is(err, stream.ErrObserverOverflow):
			conn.close(websocket.CloseTryAgainLater, "observer too slow")
			return
		default:
			conn.close(websocket.CloseGoingAway, "")
			return
		}
	}
}
