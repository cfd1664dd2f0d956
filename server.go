package sensorlog

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Server accepts sensor connections and feeds decoded readings into the
// record store. The protocol is one request per connection: the handler
// reads a single frame, stores it, acknowledges and closes.
type Server struct {
	config ServerConfig
	store  *Store
	feed   *FeedHub
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	// Stats
	totalConnections int64
	activeConns      int64
	totalReadings    int64
	protocolErrors   int64
	storageErrors    int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFeed publishes every acknowledged reading to the hub.
func WithFeed(hub *FeedHub) ServerOption {
	return func(s *Server) {
		s.feed = hub
	}
}

// WithServerLogger sets the logger for connection and handler events.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates an ingestion server writing into store.
func NewServer(cfg ServerConfig, store *Store, opts ...ServerOption) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultConfig("").Server.Address
	}
	s := &Server{
		config: cfg,
		store:  store,
		conns:  make(map[net.Conn]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listening socket and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.listener = listener
	s.running = true
	s.shutdown = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("listening", "addr", listener.Addr().String())
	go s.acceptLoop(listener, s.shutdown)

	return nil
}

// Stop closes the listening socket, unblocking the accept loop, closes any
// open connections so idle handlers cannot block the wait, and waits for
// in-flight handlers to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.shutdown)
	s.running = false
	listener := s.listener
	open := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		open = append(open, conn)
	}
	s.mu.Unlock()

	err := listener.Close()
	for _, conn := range open {
		_ = conn.Close()
	}
	s.wg.Wait()
	return err
}

// Addr returns the bound listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener, shutdown chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}

		if s.config.MaxConnections > 0 &&
			atomic.LoadInt64(&s.activeConns) >= int64(s.config.MaxConnections) {
			_ = conn.Close()
			continue
		}

		// Register under the lock so Stop either sees the connection or
		// has already closed the shutdown channel.
		s.mu.Lock()
		select {
		case <-shutdown:
			s.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		atomic.AddInt64(&s.totalConnections, 1)
		atomic.AddInt64(&s.activeConns, 1)
		s.wg.Add(1)
		go s.handleConn(conn, shutdown)
	}
}

// handleConn runs one request cycle: read frame, decode, store, ACK. Any
// failure closes the connection without an acknowledgment; the sender's
// retry logic owns recovery.
func (s *Server) handleConn(conn net.Conn, shutdown chan struct{}) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		atomic.AddInt64(&s.activeConns, -1)
		s.wg.Done()
	}()

	if s.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		select {
		case <-shutdown:
			// The connection was closed out from under the read by Stop.
			return
		default:
		}
		if err != io.EOF {
			atomic.AddInt64(&s.protocolErrors, 1)
			s.logger.Warn("frame read failed", "remote", conn.RemoteAddr().String(), "err", err)
		}
		return
	}

	reading, err := DecodeReading(frame)
	if err != nil {
		atomic.AddInt64(&s.protocolErrors, 1)
		s.logger.Warn("invalid message", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}

	if err := s.store.Append(reading); err != nil {
		atomic.AddInt64(&s.storageErrors, 1)
		s.logger.Error("append failed", "sensor", reading.SensorID, "err", err)
		return
	}
	atomic.AddInt64(&s.totalReadings, 1)

	if s.feed != nil {
		s.feed.Publish(reading)
	}

	if err := writeAck(conn); err != nil {
		s.logger.Warn("ack write failed", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

// ServerStats holds cumulative server counters.
type ServerStats struct {
	TotalConnections  int64
	ActiveConnections int64
	TotalReadings     int64
	ProtocolErrors    int64
	StorageErrors     int64
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		TotalConnections:  atomic.LoadInt64(&s.totalConnections),
		ActiveConnections: atomic.LoadInt64(&s.activeConns),
		TotalReadings:     atomic.LoadInt64(&s.totalReadings),
		ProtocolErrors:    atomic.LoadInt64(&s.protocolErrors),
		StorageErrors:     atomic.LoadInt64(&s.storageErrors),
	}
}
