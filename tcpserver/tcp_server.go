// Package tcpserver accepts TCP connections and runs one session per
// connection, after optional per-address throttling and an admission check.
package tcpserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/duelchat/idgenerator"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/safemap"
	"github.com/cyberinferno/duelchat/throttle"
)

// NewSessionFunc creates the session for an accepted connection. The
// session owns conn from then on.
type NewSessionFunc func(id uint32, conn net.Conn) TCPServerSession

// AdmitFunc runs before a session is created. A non-nil error rejects the
// connection; the function may write a final line to conn first, the
// server closes it afterwards.
type AdmitFunc func(conn net.Conn) error

// TCPServer accepts connections on Addr and hands each admitted one to a
// session created by NewSession. Live sessions are kept by id so Stop can
// close them.
type TCPServer struct {
	Logger      logger.Logger
	Name        string
	Addr        string
	Listener    net.Listener
	Sessions    *safemap.SafeMap[uint32, TCPServerSession]
	Running     atomic.Bool
	NewSession  NewSessionFunc
	Admit       AdmitFunc
	Throttle    *throttle.Limiter
	IdGenerator *idgenerator.IdGenerator

	// mu orders session registration against Stop so no handler starts
	// after Stop has begun waiting.
	mu       sync.Mutex
	handlers sync.WaitGroup
}

// NewTCPServer returns a stopped server with empty session storage.
//
// Parameters:
//   - name: Used in log messages
//   - addr: Listen address such as ":5555"
//   - newSession: Session factory
//   - log: Logger for listener events
//
// Returns:
//   - A TCPServer ready for Start; Admit and Throttle may still be set
func NewTCPServer(name string, addr string, newSession NewSessionFunc, log logger.Logger) *TCPServer {
	return &TCPServer{
		Logger:      log.With(logger.Field{Key: "component", Value: "tcpserver"}),
		Name:        name,
		Addr:        addr,
		Sessions:    safemap.NewSafeMap[uint32, TCPServerSession](),
		NewSession:  newSession,
		IdGenerator: idgenerator.NewIdGenerator(0),
	}
}

// Start binds Addr and runs AcceptLoop in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.AcceptLoop()

	return nil
}

// ListenAddr returns the bound address, or nil before Start.
func (s *TCPServer) ListenAddr() net.Addr {
	if s.Listener == nil {
		return nil
	}

	return s.Listener.Addr()
}

// Stop closes the listener, closes every live session and waits for their
// handlers to finish. Safe to call when the server is not running.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	wasRunning := s.Running.Swap(false)
	s.mu.Unlock()

	if !wasRunning {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	if s.Listener != nil {
		_ = s.Listener.Close()
	}

	s.Sessions.Range(func(_ uint32, session TCPServerSession) bool {
		_ = session.Close()
		return true
	})

	s.handlers.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// Notify sends line to every live session.
func (s *TCPServer) Notify(line string) {
	s.Sessions.Range(func(id uint32, session TCPServerSession) bool {
		if err := session.Send(line); err != nil {
			s.Logger.Debug("notify dropped", logger.Field{Key: "conn_id", Value: id}, logger.Field{Key: "error", Value: err.Error()})
		}

		return true
	})
}

// AddSession stores a session under id.
func (s *TCPServer) AddSession(id uint32, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession forgets the session with id.
func (s *TCPServer) RemoveSession(id uint32) {
	s.Sessions.Delete(id)
}

// GetSession returns the session for id.
//
// Returns:
//   - The session and true if found, or nil and false otherwise
func (s *TCPServer) GetSession(id uint32) (TCPServerSession, bool) {
	return s.Sessions.Load(id)
}

// SessionCount returns the number of live sessions, named or not.
func (s *TCPServer) SessionCount() int {
	return s.Sessions.Len()
}

// AcceptLoop accepts connections until the server is stopped. Each
// connection is throttled, admitted, given an id and served by its own
// goroutine, which removes the session when Handle returns.
func (s *TCPServer) AcceptLoop() {
	for s.Running.Load() {
		conn, err := s.Listener.Accept()
		if err != nil {
			if !s.Running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		if !s.admit(conn) {
			continue
		}

		s.mu.Lock()
		if !s.Running.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}

		id := s.IdGenerator.Id()
		session := s.NewSession(id, conn)
		s.AddSession(id, session)
		s.handlers.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.handlers.Done()
			defer s.RemoveSession(id)
			session.Handle()
		}()
	}
}

func (s *TCPServer) admit(conn net.Conn) bool {
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}

	if !s.Throttle.Allow(host) {
		s.Logger.Warn("connection throttled", logger.Field{Key: "remote", Value: remote})
		_ = conn.Close()
		return false
	}

	if s.Admit != nil {
		if err := s.Admit(conn); err != nil {
			s.Logger.Info("connection rejected", logger.Field{Key: "remote", Value: remote}, logger.Field{Key: "reason", Value: err.Error()})
			_ = conn.Close()
			return false
		}
	}

	return true
}
