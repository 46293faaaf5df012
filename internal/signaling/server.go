package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxhall/sfu-signaling/internal/auth"
	"github.com/voxhall/sfu-signaling/internal/config"
	"github.com/voxhall/sfu-signaling/internal/mediarelay"
	"github.com/voxhall/sfu-signaling/internal/metrics"
	"github.com/voxhall/sfu-signaling/internal/origin"
	"github.com/voxhall/sfu-signaling/internal/protocol"
	"github.com/voxhall/sfu-signaling/internal/ratelimit"
	"github.com/voxhall/sfu-signaling/internal/rooms"
)

const wsWriteWait = 1 * time.Second

// Server upgrades websocket connections and runs the signaling protocol
// for each of them.
//
// It enforces authentication (none/api_key) plus per-connection limits to
// avoid idle unauthenticated connections and large or high-rate signaling
// messages.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	verifier auth.Verifier
	relay    mediarelay.Relay
	registry *rooms.Registry
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*wsSession
}

func NewServer(cfg config.Config, log *slog.Logger, relay mediarelay.Relay, registry *rooms.Registry, m *metrics.Metrics) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		verifier: verifier,
		relay:    relay,
		registry: registry,
		metrics:  m,
		clock:    ratelimit.RealClock{},
		sessions: make(map[string]*wsSession),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		// Non-browser clients don't send Origin.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(originHeader)
	return ok && origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsSession{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
	}
	defer sess.teardown()

	authenticated := false
	if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil {
		if err := s.verifier.Verify(cred); err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			sess.writeClose(websocket.ClosePolicyViolation, "invalid credentials")
			return
		}
		authenticated = true
	} else if !errors.Is(err, auth.ErrMissingCredentials) {
		sess.writeClose(websocket.CloseInternalServerErr, "invalid auth configuration")
		return
	}

	if authenticated {
		// The hello must arrive before any response so the client learns
		// its connection id first.
		s.admit(sess)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	}

	limiter := ratelimit.NewTokenBucket(s.clock,
		int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if !authenticated && isTimeout(err) {
				sess.writeClose(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			sess.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				sess.writeClose(websocket.CloseMessageTooBig, "message too large")
				return
			}
			sess.writeClose(websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			sess.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := protocol.Parse(msg)
		if err != nil {
			s.metrics.Inc(metrics.BadMessage)
			sess.sendError("", "malformed message")
			continue
		}

		if !authenticated {
			if env.Type != protocol.TypeAuth {
				sess.writeClose(websocket.ClosePolicyViolation, "authentication required")
				return
			}
			var data protocol.AuthData
			if err := protocol.DecodeData(env, &data); err != nil {
				sess.writeClose(websocket.CloseUnsupportedData, "invalid auth message")
				return
			}
			if err := s.verifier.Verify(data.APIKey); err != nil {
				s.metrics.Inc(metrics.AuthFailure)
				sess.writeClose(websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
			_ = conn.SetReadDeadline(time.Time{})
			s.admit(sess)
			continue
		}

		sess.dispatch(env)
	}
}

// admit registers the session and sends the connected hello carrying the
// server-assigned connection id.
func (s *Server) admit(sess *wsSession) {
	if sess.admitted {
		return
	}
	sess.admitted = true

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.Inc(metrics.ConnectionOpened)

	s.log.Info("connection established", "connection_id", sess.id)
	sess.sendMessage(protocol.TypeConnected, protocol.ConnectedData{ConnectionID: sess.id}, "")
}

func (s *Server) dropSession(sess *wsSession) {
	s.mu.Lock()
	_, present := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	if present {
		s.metrics.Inc(metrics.ConnectionClosed)
		s.log.Info("connection closed", "connection_id", sess.id)
	}
}

// ConnectionCount reports admitted connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunStaleSweeper periodically evicts room members whose heartbeats have
// stopped and terminates their sockets. Blocks until ctx is cancelled.
func (s *Server) RunStaleSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, connID := range s.registry.SweepStale(s.cfg.HeartbeatStaleAfter) {
				s.mu.Lock()
				sess := s.sessions[connID]
				s.mu.Unlock()
				if sess != nil {
					sess.writeClose(websocket.CloseGoingAway, "heartbeat timeout")
					_ = sess.conn.Close()
				}
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
