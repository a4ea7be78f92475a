// Package ws owns the per-client connection lifecycle: handshake and
// authentication, the initial snapshot, the subscription that forwards world
// update events, and the paired read/write loops that live and die together.
package ws

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tessera.world/internal/auth"
	"tessera.world/internal/broker"
	"tessera.world/internal/engine"
	"tessera.world/internal/protocol"
)

const (
	handshakeWait  = 5 * time.Second
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outBuffer      = 64
)

type Server struct {
	engine *engine.Engine
	broker *broker.Broker
	auth   auth.Authenticator
	log    *logrus.Entry

	upgrader websocket.Upgrader

	connections atomic.Int64
}

func NewServer(eng *engine.Engine, b *broker.Broker, authenticator auth.Authenticator, log *logrus.Entry) *Server {
	return &Server{
		engine: eng,
		broker: b,
		auth:   authenticator,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Connections reports the number of live connections, for metrics.
func (s *Server) Connections() int64 { return s.connections.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		env, ok := s.handshake(conn)
		if !ok {
			return
		}
		log := s.log.WithFields(logrus.Fields{
			"conn_id":       env.ConnID,
			"user_id":       env.UserID,
			"experience_id": env.ExperienceID,
		})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		if err := s.engine.Bootstrap(ctx, env); err != nil {
			log.WithError(err).Error("bootstrap failed")
			closeWith(conn, websocket.CloseInternalServerErr, "bootstrap failed")
			return
		}
		if !s.sendSnapshot(ctx, conn, env) {
			return
		}

		// The subscription is created only after authentication succeeded
		// and the snapshot went out; Subscribe supersedes any stale
		// subscription for this user's topic left by a dead connection.
		sub, err := s.broker.Subscribe(engine.Topic(env.ExperienceID, env.UserID), env.ConnID)
		if err != nil {
			return
		}
		defer s.broker.Unsubscribe(sub)

		s.connections.Add(1)
		defer s.connections.Add(-1)
		log.Info("client connected")
		defer log.Info("client disconnected")

		out := make(chan []byte, outBuffer)

		// Writer: forwards action results and broker deltas, pings to keep
		// the read side alive. First failure on either loop cancels both.
		go s.writePump(ctx, cancel, conn, out, sub)

		s.readPump(ctx, cancel, conn, env, out, log)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (engine.Env, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	conn.SetReadLimit(maxMessageSize)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return engine.Env{}, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected hello")
		return engine.Env{}, false
	}
	var hello protocol.HelloMsg
	if err := protocol.Decode(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad hello")
		return engine.Env{}, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return engine.Env{}, false
	}
	if hello.ExperienceID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "missing experience_id")
		return engine.Env{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeWait)
	defer cancel()
	userID, err := s.auth.Validate(ctx, hello.Token)
	if err != nil {
		// Distinct close code: the credential was rejected, nothing was
		// subscribed, nothing will be delivered.
		closeWith(conn, protocol.CloseCodeAuthFailure, "authentication failed")
		return engine.Env{}, false
	}

	return engine.Env{
		UserID:       userID,
		ExperienceID: hello.ExperienceID,
		ConnID:       uuid.NewString(),
	}, true
}

func (s *Server) sendSnapshot(ctx context.Context, conn *websocket.Conn, env engine.Env) bool {
	snap, err := s.engine.Snapshot(ctx, env)
	if err != nil {
		closeWith(conn, websocket.CloseInternalServerErr, "snapshot failed")
		return false
	}
	b, err := protocol.Encode(snap)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b) == nil
}

func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte, sub *broker.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer cancel()

	write := func(messageType int, b []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, b) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-out:
			if !ok || !write(websocket.TextMessage, b) {
				return
			}
		case b, ok := <-sub.C():
			if !ok {
				// Superseded by a newer connection for the same user;
				// this session is stale, shut it down.
				_ = write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "superseded"))
				return
			}
			if !write(websocket.TextMessage, b) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, env engine.Env, out chan<- []byte, log *logrus.Entry) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		base, err := protocol.DecodeBase(msg)
		if err != nil {
			s.reply(ctx, out, errorResult("", "Malformed message."))
			continue
		}

		switch base.Type {
		case protocol.TypeAction:
			var action protocol.ActionMsg
			if err := protocol.Decode(msg, &action); err != nil {
				s.reply(ctx, out, errorResult("", "Malformed action."))
				continue
			}
			res := s.engine.Dispatch(ctx, env, engine.Action{Name: action.Action, Params: action.Params})
			s.reply(ctx, out, res.ToMsg(action.RequestID))

		case protocol.TypeResync:
			var resync protocol.ResyncMsg
			_ = protocol.Decode(msg, &resync)
			snap, err := s.engine.Snapshot(ctx, env)
			if err != nil {
				s.reply(ctx, out, errorResult(resync.RequestID, "Resync failed, try again."))
				continue
			}
			if b, err := protocol.Encode(snap); err == nil {
				s.send(ctx, out, b)
			}

		default:
			s.reply(ctx, out, errorResult("", "Unknown message type."))
		}
	}
}

func (s *Server) reply(ctx context.Context, out chan<- []byte, msg protocol.ActionResultMsg) {
	b, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	s.send(ctx, out, b)
}

func (s *Server) send(ctx context.Context, out chan<- []byte, b []byte) {
	select {
	case out <- b:
	case <-ctx.Done():
	}
}

func errorResult(requestID, message string) protocol.ActionResultMsg {
	return protocol.ActionResultMsg{
		Type:      protocol.TypeActionResult,
		Success:   false,
		Message:   message,
		Code:      protocol.ErrProtoBadRequest,
		RequestID: requestID,
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
