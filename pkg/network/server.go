package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlasworld/atlasnet/pkg/crypto"
)

var (
	ErrServerClosed    = errors.New("server closed")
	ErrNoAuthenticator = errors.New("server requires an authenticator")
)

// acceptRetryDelay throttles the accept loop after a failed Accept
const acceptRetryDelay = 50 * time.Millisecond

// Server accepts connections, runs the responder handshake and serves
// requests on every validated connection
type Server struct {
	cfg         ServerConfig
	key         *rsa.PrivateKey
	publicDER   []byte
	fingerprint string
	group       *Group
	events      EventSink
	log         logrus.FieldLogger

	mu        sync.Mutex
	listener  net.Listener
	closed    bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server identified by privateKey
func NewServer(privateKey *rsa.PrivateKey, cfg ServerConfig) (*Server, error) {
	if cfg.Authenticator == nil {
		return nil, ErrNoAuthenticator
	}
	cfg.Options = cfg.Options.withDefaults()

	der, err := keyDER(privateKey)
	if err != nil {
		return nil, err
	}
	fingerprint, err := crypto.KeyFingerprint(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		key:         privateKey,
		publicDER:   der,
		fingerprint: fingerprint,
		group:       NewGroup(),
		events:      cfg.Events,
		log:         cfg.Logger.WithField("component", "server"),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start listens on addr and accepts connections in the background
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections from listener in the background
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		listener.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		listener.Close()
		return errors.New("server already started")
	}

	s.listener = listener
	s.startTime = time.Now()
	s.log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"fingerprint": s.fingerprint[:16],
	}).Info("server listening")

	go s.acceptLoop(listener)
	return nil
}

// Addr returns the listening address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Group returns the validated connections
func (s *Server) Group() *Group { return s.group }

// PublicKey returns the server identity key
func (s *Server) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// Fingerprint returns the hex fingerprint of the identity key
func (s *Server) Fingerprint() string { return s.fingerprint }

// Properties returns the properties advertised in ServerInfo
func (s *Server) Properties() map[string]string { return s.cfg.Properties }

// Uptime returns the time since Start
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Shutdown stops accepting, disconnects every connection with reason and
// waits for connection goroutines until ctx is done
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	s.cancel()
	if listener != nil {
		listener.Close()
	}

	err := s.group.DisconnectAll(ctx, reason)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	s.log.WithError(err).Info("server stopped")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(nc)
	}
}

// handleConnection runs the handshake, then serves the connection until
// it closes
func (s *Server) handleConnection(nc net.Conn) {
	defer s.wg.Done()

	s.events.Publish(SocketOpened{Remote: nc.RemoteAddr()})

	h := newHandshake(nc, &s.cfg.Options)
	h.arm(s.ctx)

	conn, err := s.respond(s.ctx, h)
	if err != nil {
		h.abort(conn, err)
		return
	}

	// Two handshakes for the same id can both pass the active check
	if err := s.group.Register(conn); err != nil {
		cause := RefuseFailure
		if errors.Is(err, ErrAlreadyRegistered) {
			cause = RefuseSessionActive
		}
		h.abort(conn, refuse(cause, err))
		return
	}

	// Shutdown may have run DisconnectAll before this connection joined
	if s.ctx.Err() != nil {
		_ = conn.Disconnect(context.Background(), "server shutting down")
		return
	}

	conn.serve()
}
