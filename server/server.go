// Package server assembles the chat and game server: one registry, router,
// game engine and file relay shared by every session, behind a TCP
// listener that turns away connections once the registry is full.
package server

import (
	"errors"
	"net"
	"time"

	"github.com/cyberinferno/duelchat/config"
	"github.com/cyberinferno/duelchat/game"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/protocol"
	"github.com/cyberinferno/duelchat/registry"
	"github.com/cyberinferno/duelchat/relay"
	"github.com/cyberinferno/duelchat/session"
	"github.com/cyberinferno/duelchat/tcpserver"
	"github.com/cyberinferno/duelchat/throttle"
)

// ErrServerFull is the admission error for connections beyond capacity.
var ErrServerFull = errors.New("server: full")

// MsgShutdown is sent to every client when the server stops.
const MsgShutdown = "Server shutting down."

// rejectTimeout bounds the write of the capacity rejection line.
const rejectTimeout = time.Second

// Server is a running duelchat instance.
type Server struct {
	cfg config.Config
	log logger.Logger

	registry *registry.Registry
	router   *registry.Router
	engine   *game.Engine
	relay    *relay.Relay
	tcp      *tcpserver.TCPServer
}

// New wires all components for cfg. Nothing listens until Start.
//
// Parameters:
//   - cfg: Validated configuration
//   - log: Root logger
//
// Returns:
//   - A stopped Server
func New(cfg config.Config, log logger.Logger) *Server {
	reg := registry.New(cfg.MaxClients, log)
	router := registry.NewRouter(reg)

	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: reg,
		router:   router,
		engine:   game.NewEngine(router, log),
		relay:    relay.New(reg, cfg.MaxFileBytes, log),
	}

	reg.SetHooks(roleHooks{engine: s.engine, router: router})

	s.tcp = tcpserver.NewTCPServer("duelchat", cfg.Addr, s.newSession, log)
	s.tcp.Admit = s.admit
	if cfg.ConnectsPerMinute > 0 {
		s.tcp.Throttle = throttle.NewLimiter(cfg.ConnectsPerMinute, time.Minute)
	}

	return s
}

// Start begins accepting connections.
func (s *Server) Start() error {
	return s.tcp.Start()
}

// Stop tells every client the server is going away, closes the listener
// and all sessions, and waits for their cleanup.
func (s *Server) Stop() {
	s.tcp.Notify(protocol.Server(MsgShutdown))
	s.tcp.Stop()
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.tcp.ListenAddr()
}

func (s *Server) newSession(id uint32, conn net.Conn) tcpserver.TCPServerSession {
	cfg := session.Config{
		MaxLineBytes: s.cfg.MaxLineBytes,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		OutboxSize:   s.cfg.OutboxSize,
	}

	deps := session.Deps{
		Registry: s.registry,
		Router:   s.router,
		Engine:   s.engine,
		Relay:    s.relay,
	}

	return session.New(id, conn, cfg, deps, s.log)
}

// admit turns a connection away before the handshake when every slot is
// taken.
func (s *Server) admit(conn net.Conn) error {
	if s.registry.Len() < s.registry.Capacity() {
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	_, _ = conn.Write([]byte(protocol.Error(session.MsgServerFull) + "\n"))
	return ErrServerFull
}

// roleHooks binds registry membership to game roles.
type roleHooks struct {
	engine *game.Engine
	router *registry.Router
}

func (h roleHooks) Joined(name string) {
	switch mark := h.engine.AssignRole(name); mark {
	case game.Empty:
		h.router.Unicast(name, protocol.Server("You are connected as a spectator."))
	default:
		h.router.Unicast(name, protocol.Server("You are player "+mark.String()+" in Tic-Tac-Toe."))
	}
}

// Listed sends the board once the newcomer's roster has gone out.
func (h roleHooks) Listed(string) {
	h.engine.BroadcastBoard()
}

func (h roleHooks) Left(name string) {
	h.engine.ReleaseRole(name)
}
