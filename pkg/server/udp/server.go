// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mlwm2m/pkg/breaker"
	mlerrors "github.com/absmach/mlwm2m/pkg/errors"
	"github.com/absmach/mlwm2m/pkg/metrics"
	"github.com/absmach/mlwm2m/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSessionTimeout is the default timeout for idle peer sessions.
	DefaultSessionTimeout = 5 * time.Minute

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default read buffer size. It fits a
	// 1024 byte block with a full CoAP header and options.
	DefaultBufferSize = 2048
)

// Dispatcher receives datagrams and session ends. It must not block.
type Dispatcher interface {
	HandlePacket(data []byte, peer string) error
	CloseSession(peer string) error
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// SessionTimeout is the idle time after which a peer's engine state is
	// released.
	SessionTimeout time.Duration

	// MaxSessions is the maximum number of peers tracked at once. If 0,
	// no limit is enforced.
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	RateLimit ratelimit.Config
	Breaker   breaker.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server reads datagrams for the engine and sends the engine's datagrams.
// It implements engine.Transport.
type Server struct {
	config     Config
	sessions   *SessionManager
	limiter    *ratelimit.Limiter
	breaker    *breaker.CircuitBreaker
	bufferPool *sync.Pool

	mu    sync.RWMutex
	conn  *net.UDPConn
	ready chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a UDP server. Send fails until Listen has bound the socket.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", nil)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}

	s := &Server{
		config:   cfg,
		sessions: NewSessionManager(cfg.Logger, cfg.MaxSessions, cfg.Metrics),
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		breaker:  breaker.New(cfg.Breaker),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, cfg.BufferSize)
				return &buf
			},
		},
		ready:   make(chan struct{}),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	s.breaker.OnStateChange(func(from, to breaker.State) {
		s.metrics.CircuitBreakerState.Set(float64(to))
		if to == breaker.StateOpen {
			s.metrics.CircuitBreakerTrips.Inc()
		}
		s.logger.Warn("transport circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})
	return s
}

// Listen binds the socket and feeds datagrams to d until ctx is cancelled.
// On return every remaining session has been closed on d.
func (s *Server) Listen(ctx context.Context, d Dispatcher) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.logger.Warn("failed to set read buffer size", slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.logger.Warn("failed to set write buffer size", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Int("buffer_size", s.config.BufferSize))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(gctx, conn, d)
	})
	g.Go(func() error {
		s.janitor(gctx, d)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received, closing listener")
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		return conn.Close()
	})
	err = g.Wait()

	for _, sess := range s.sessions.CloseAll() {
		s.closeSession(d, sess)
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, nil before Listen or after it returns.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Sessions returns the number of tracked peers.
func (s *Server) Sessions() int {
	return s.sessions.Count()
}

// Check reports whether the socket is bound and the transport circuit is
// not open. It serves as a health check.
func (s *Server) Check(context.Context) error {
	if s.Addr() == nil {
		return errors.New("udp listener not bound")
	}
	if s.breaker.State() == breaker.StateOpen {
		return breaker.ErrCircuitOpen
	}
	return nil
}

// Send writes one datagram to peer.
func (s *Server) Send(_ context.Context, peer string, data []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: udp listener", mlerrors.ErrClosed)
	}

	var addr *net.UDPAddr
	if sess, ok := s.sessions.Get(peer); ok {
		addr = sess.RemoteAddr
	} else {
		resolved, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			return fmt.Errorf("%w: resolve %s: %v", mlerrors.ErrInvalidInput, peer, err)
		}
		addr = resolved
	}
	if _, _, err := s.sessions.GetOrCreate(addr, time.Now()); err != nil {
		return err
	}

	return s.breaker.Call(func() error {
		_, err := conn.WriteToUDP(data, addr)
		return err
	})
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn, d Dispatcher) error {
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)

		s.handleDatagram(d, addr, datagram)
	}
}

func (s *Server) handleDatagram(d Dispatcher, addr *net.UDPAddr, data []byte) {
	peer := addr.String()

	if ok, reason := s.limiter.Allow(peer); !ok {
		s.metrics.RateLimitedPackets.WithLabelValues(string(reason)).Inc()
		s.logger.Debug("datagram rate limited",
			slog.String("peer", peer),
			slog.String("limiter", string(reason)))
		return
	}

	if _, _, err := s.sessions.GetOrCreate(addr, time.Now()); err != nil {
		s.logger.Warn("failed to create session",
			slog.String("peer", peer),
			slog.String("error", err.Error()))
		return
	}

	if err := d.HandlePacket(data, peer); err != nil {
		s.logger.Warn("dropping datagram",
			slog.String("peer", peer),
			slog.String("error", err.Error()))
	}
}

// janitor releases idle sessions until ctx is cancelled.
func (s *Server) janitor(ctx context.Context, d Dispatcher) {
	ticker := time.NewTicker(s.config.SessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sess := range s.sessions.Expire(now, s.config.SessionTimeout) {
				s.closeSession(d, sess)
			}
			s.limiter.Sweep()
		}
	}
}

func (s *Server) closeSession(d Dispatcher, sess *Session) {
	peer := sess.RemoteAddr.String()
	s.limiter.Remove(peer)
	if err := d.CloseSession(peer); err != nil {
		s.logger.Debug("failed to close engine session",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
	s.logger.Debug("session closed",
		slog.String("session", sess.ID),
		slog.String("peer", peer),
		slog.Duration("age", time.Since(sess.Created)))
}
