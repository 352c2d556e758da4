package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/webagent/internal/tracing"
	"github.com/harun/webagent/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Defaults for the bridge listener
const (
	DefaultPath              = "/bridge"
	DefaultWriteTimeout      = 5 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
)

// Server accepts executor connections over WebSocket and routes commands to them
type Server struct {
	listen            string
	path              string
	sharedSecret      string
	writeTimeout      time.Duration
	keepaliveInterval time.Duration
	server            *http.Server
	listener          net.Listener
	upgrader          websocket.Upgrader
	peers             *PeerRegistry
	logger            zerolog.Logger
	isShuttingDown    bool
	shutdownMu        sync.RWMutex
	keepaliveCancel   context.CancelFunc
	keepaliveWG       sync.WaitGroup
}

// Config holds bridge configuration
type Config struct {
	Listen            string
	Path              string
	SharedSecret      string
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
	Logger            zerolog.Logger
}

// NewServer creates a bridge server. Listen may be empty when the server is
// only used through Handler.
func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}

	return &Server{
		listen:            cfg.Listen,
		path:              cfg.Path,
		sharedSecret:      cfg.SharedSecret,
		writeTimeout:      cfg.WriteTimeout,
		keepaliveInterval: cfg.KeepaliveInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		peers:  NewPeerRegistry(),
		logger: cfg.Logger.With().Str("component", "bridge").Logger(),
	}
}

// Handler returns the HTTP handler serving the bridge endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","peers":%d}`, s.peers.Count())
	})
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	if s.listen == "" {
		return errors.New("bridge listen address is required")
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.shutdownMu.Lock()
	s.listener = ln
	s.shutdownMu.Unlock()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.path).Msg("Starting bridge")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Bridge server error")
		}
	}()

	s.startKeepalive()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every peer and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down bridge")
	s.stopKeepalive()

	for _, peer := range s.peers.GetAll() {
		_ = peer.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"),
			time.Now().Add(time.Second))
		peer.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown bridge: %w", err)
	}
	s.logger.Info().Msg("Bridge stopped")
	return nil
}

// WaitForPeer blocks until at least one executor is connected or ctx is done
func (s *Server) WaitForPeer(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.peers.Count() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNoPeer, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Peers returns the connected executors
func (s *Server) Peers() []*Peer {
	return s.peers.GetAll()
}

// ActiveTarget returns the most recently active executor
func (s *Server) ActiveTarget(_ context.Context) (agent.Target, bool) {
	peer, ok := s.peers.MostRecent()
	if !ok {
		return agent.Target{}, false
	}
	return peer.Target(), true
}

// Send forwards a request to the executor behind target and waits for its reply
func (s *Server) Send(ctx context.Context, target agent.Target, req agent.Request) (*agent.Response, error) {
	peer, ok := s.peers.Get(target.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPeer, target.ID)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	logger := tracing.PropagateToLogger(ctx, s.logger).With().
		Str("peer_id", peer.ID).
		Str("request_id", id).
		Logger()

	replies := peer.expect(id)
	defer peer.forget(id)

	msg := CommandMessage{ID: id, Type: req.Type, Command: req.Command}
	if err := peer.writeJSON(msg, s.writeTimeout); err != nil {
		return nil, fmt.Errorf("failed to write to executor: %w", err)
	}
	logger.Debug().Msg("Request sent to executor")

	select {
	case reply := <-replies:
		logger.Debug().Str("status", string(reply.Status)).Msg("Executor replied")
		return &agent.Response{Status: reply.Status, Message: reply.Message}, nil
	case <-peer.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.sharedSecret == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.sharedSecret)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Bridge is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if !s.authorized(r) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected executor with bad credentials")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	peerID, _ := gonanoid.New()
	peer := newPeer(peerID, conn, r.RemoteAddr)
	s.peers.Add(peer)

	s.logger.Info().Str("peer_id", peerID).Str("ip", r.RemoteAddr).Msg("Executor connected")

	go s.handlePeer(peer)
}

func (s *Server) handlePeer(peer *Peer) {
	defer func() {
		s.peers.Remove(peer.ID)
		close(peer.closed)
		peer.Conn.Close()
		s.logger.Info().Str("peer_id", peer.ID).Msg("Executor disconnected")
	}()

	peer.Conn.SetPongHandler(func(string) error {
		peer.touch()
		return nil
	})

	for {
		_, message, err := peer.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("peer_id", peer.ID).Msg("WebSocket error")
			}
			return
		}

		peer.touch()
		s.handleMessage(peer, message)
	}
}

func (s *Server) handleMessage(peer *Peer, message []byte) {
	var msg ReplyMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", peer.ID).Msg("Dropping unparseable executor message")
		return
	}

	if msg.ID == "" {
		if msg.Type == MessageHello {
			peer.describe(msg.URL, msg.Title)
			s.logger.Debug().Str("peer_id", peer.ID).Str("url", msg.URL).Msg("Executor described its surface")
		}
		return
	}

	if !peer.resolve(msg) {
		s.logger.Debug().Str("peer_id", peer.ID).Str("request_id", msg.ID).Msg("Dropping reply with no waiting request")
	}
}

func (s *Server) startKeepalive() {
	ctx, cancel := context.WithCancel(context.Background())
	s.keepaliveCancel = cancel
	s.keepaliveWG.Add(1)

	go func() {
		defer s.keepaliveWG.Done()

		ticker := time.NewTicker(s.keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(s.writeTimeout)
				for _, peer := range s.peers.GetAll() {
					if err := peer.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
						s.logger.Debug().Err(err).Str("peer_id", peer.ID).Msg("Keepalive ping failed")
					}
				}
			}
		}
	}()
}

func (s *Server) stopKeepalive() {
	if s.keepaliveCancel != nil {
		s.keepaliveCancel()
		s.keepaliveCancel = nil
	}
	s.keepaliveWG.Wait()
}
