package keyprovider

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// Server serves a KeyProvider over the framed TCP protocol, one goroutine
// per connection and one request per connection.
type Server struct {
	provider interfaces.KeyProvider
	log      *slog.Logger
	timeout  time.Duration

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(provider interfaces.KeyProvider, log *slog.Logger, timeout time.Duration) *Server {
	return &Server{provider: provider, log: log, timeout: timeout}
}

// Listen binds addr and returns the bound address.
func (s *Server) Listen(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return l.Addr(), nil
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("key provider server is not listening")
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track() {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// track registers a connection handler unless Close has started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close stops accepting and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	log := s.log.With("remote", conn.RemoteAddr().String())

	if s.timeout > 0 {
		conn.SetDeadline(time.Now().Add(s.timeout))
	}

	var req interfaces.SealingKeyRequest
	if err := ReadFrame(conn, &req); err != nil {
		log.Warn("Failed to read key request", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := s.provider.GetSealingKey(ctx, req)
	if err != nil {
		// The protocol has no error frame; closing the connection signals failure.
		log.Error("Key provider failed", "err", err)
		return
	}

	if err := WriteFrame(conn, resp); err != nil {
		log.Warn("Failed to write key response", "err", err)
		return
	}
	log.Debug("Served sealing key", "quoteSize", len(req.Quote))
}
