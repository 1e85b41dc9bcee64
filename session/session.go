// Package session runs the per-connection control loop: the name
// handshake, command dispatch and the single cleanup path that runs when
// the connection ends.
package session

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/game"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/protocol"
	"github.com/cyberinferno/duelchat/registry"
	"github.com/cyberinferno/duelchat/relay"
)

// Handshake replies sent before the connection is closed.
const (
	MsgInvalidName   = "Invalid username. Disconnecting."
	MsgDuplicateName = "Username already in use. Please reconnect with a different name."
	MsgServerFull    = "Server full: only 2 Tic-Tac-Toe players allowed."
)

// closeGrace bounds how long queued frames may take to flush after Close
// when no write timeout is configured.
const closeGrace = time.Second

// State is the lifecycle phase of a Session.
type State int32

const (
	AwaitingName State = iota
	Active
	Closed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case AwaitingName:
		return "AwaitingName"
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config holds the per-connection limits.
type Config struct {
	// MaxLineBytes is the longest accepted text line; zero uses frame.DefaultMaxLineBytes.
	MaxLineBytes int
	// ReadTimeout closes a connection idle for this long; zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write to the client; zero disables it.
	WriteTimeout time.Duration
	// OutboxSize is the number of frames that may wait for the writer.
	OutboxSize int
}

// Deps are the shared components a Session talks to.
type Deps struct {
	Registry *registry.Registry
	Router   *registry.Router
	Engine   *game.Engine
	Relay    *relay.Relay
}

// Session is the server side of one client connection.
type Session struct {
	id   uint32
	conn net.Conn
	cfg  Config
	deps Deps
	log  logger.Logger

	fr  *frame.Reader
	out *Outbox

	// name is written once by Handle before the session becomes Active.
	name    string
	state   atomic.Int32
	closing atomic.Bool

	cleanupOnce sync.Once
}

// New wraps conn. Handle must be called to run the session.
//
// Parameters:
//   - id: Connection id used in logs
//   - conn: The accepted connection; the Session owns it from now on
//   - cfg: Per-connection limits
//   - deps: Shared registry, router, engine and relay
//   - log: Parent logger
//
// Returns:
//   - A Session in the AwaitingName state
func New(id uint32, conn net.Conn, cfg Config, deps Deps, log logger.Logger) *Session {
	log = log.With(
		logger.Field{Key: "component", Value: "session"},
		logger.Field{Key: "conn_id", Value: id},
		logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})

	return &Session{
		id:   id,
		conn: conn,
		cfg:  cfg,
		deps: deps,
		log:  log,
		fr:   frame.NewReader(conn, cfg.MaxLineBytes),
		out:  NewOutbox(conn, cfg.OutboxSize, cfg.WriteTimeout, log),
	}
}

// ID returns the connection id.
func (s *Session) ID() uint32 {
	return s.id
}

// Name returns the registered name, or "" before the handshake completes.
func (s *Session) Name() string {
	if s.State() == AwaitingName {
		return ""
	}

	return s.name
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Handle runs the handshake and then the command loop until the connection
// ends, and finally runs cleanup. It returns once queued frames have been
// flushed and the connection is closed.
func (s *Session) Handle() {
	defer s.cleanup()

	if !s.handshake() {
		return
	}

	for {
		if !s.armRead(true) {
			return
		}

		line, err := s.fr.ReadLine()
		if err != nil {
			s.logReadEnd(err)
			return
		}

		if err := s.dispatch(line); err != nil {
			s.logReadEnd(err)
			return
		}
	}
}

// Send queues a text frame for the client.
//
// Returns:
//   - ErrOutboxClosed or ErrOutboxFull if the line was dropped
func (s *Session) Send(line string) error {
	return s.out.enqueue(job{line: line})
}

// Close stops the session. The pending read returns at once, frames already
// queued are flushed and Handle runs the cleanup path. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() error {
	if s.closing.Swap(true) {
		return nil
	}

	if s.cfg.WriteTimeout <= 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeGrace))
	}

	return s.conn.SetReadDeadline(time.Now())
}

func (s *Session) handshake() bool {
	s.out.SendLine(protocol.NamePrompt)

	if !s.armRead(true) {
		return false
	}

	line, err := s.fr.ReadLine()
	if err != nil {
		s.logReadEnd(err)
		return false
	}

	name := strings.TrimSpace(line)
	if !validName(name) {
		s.log.Info("handshake rejected: invalid name")
		s.out.SendLine(protocol.Error(MsgInvalidName))
		return false
	}

	res := s.deps.Registry.TryAdd(name, s.out)
	switch res {
	case registry.Accepted:
		s.name = name
		s.log = s.log.With(logger.Field{Key: "user", Value: name})
		s.state.Store(int32(Active))
		s.log.Info("session active")
		s.deps.Router.Broadcast(protocol.Server(name + " has joined!"))
		return true

	case registry.RejectedDuplicate:
		s.out.SendLine(protocol.Error(MsgDuplicateName))
	case registry.RejectedFull:
		s.out.SendLine(protocol.Error(MsgServerFull))
	default:
		s.out.SendLine(protocol.Error(MsgInvalidName))
	}

	s.log.Info("handshake rejected", logger.Field{Key: "user", Value: name}, logger.Field{Key: "result", Value: res.String()})
	return false
}

// validName rejects names that would break the "|" and "," separated frames.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "|,")
}

func (s *Session) dispatch(line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	cmd, err := protocol.Parse(line)
	if err != nil {
		var usage *protocol.UsageError
		if errors.As(err, &usage) {
			s.out.SendLine(protocol.Error(usage.Usage))
			return nil
		}

		return err
	}

	switch c := cmd.(type) {
	case protocol.FileTransfer:
		if !s.armRead(false) {
			return net.ErrClosed
		}

		if err := s.deps.Relay.Forward(s.name, s.out, c.Header, s.fr); err != nil && !errors.Is(err, relay.ErrRejected) {
			return err
		}

	case protocol.Typing:
		s.deps.Router.BroadcastExcept(s.name, protocol.TypingNotice(s.name))

	case protocol.PrivateMessage:
		if !s.deps.Router.Unicast(c.Target, protocol.Private(s.name, c.Text)) {
			s.out.SendLine(protocol.Error("User " + c.Target + " is not online."))
		}

	case protocol.Move:
		row, col := c.Cell()
		_ = s.deps.Engine.AttemptMove(s.name, row, col)

	case protocol.Retry:
		_ = s.deps.Engine.AcknowledgeRetry(s.name)

	case protocol.Chat:
		s.deps.Router.Broadcast(protocol.ChatLine(s.name, c.Text))
	}

	return nil
}

// armRead sets the read deadline for the next read: the idle timeout for a
// line, none for a file payload.
//
// Returns:
//   - false if Close has been called
func (s *Session) armRead(idle bool) bool {
	var deadline time.Time
	if idle && s.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(s.cfg.ReadTimeout)
	}

	_ = s.conn.SetReadDeadline(deadline)
	return !s.closing.Load()
}

func (s *Session) logReadEnd(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Info("client disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		if s.closing.Load() {
			s.log.Info("session closed by server")
		} else {
			s.log.Info("client idle, disconnecting")
		}
	case errors.Is(err, frame.ErrLineTooLong):
		s.log.Warn("line too long, disconnecting")
	default:
		s.log.Warn("connection error", logger.Field{Key: "error", Value: err.Error()})
	}
}

// cleanup runs exactly once: unregister, then flush and close.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.State() == Active {
			s.deps.Registry.Remove(s.name)
		}

		s.state.Store(int32(Closed))
		s.out.Close()
		<-s.out.Done()
		s.log.Debug("session closed")
	})
}
