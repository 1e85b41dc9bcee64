package client

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/protocol"
)

const roleLine = "[SERVER] You are player X in Tic-Tac-Toe."

// fakeServer hands accepted connections to the test.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func startFake(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.conns <- conn
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeServer) addr() string {
	return f.ln.Addr().String()
}

type peer struct {
	t    *testing.T
	conn net.Conn
	fr   *frame.Reader
}

func (f *fakeServer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { _ = conn.Close() })
		_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
		return &peer{t: t, conn: conn, fr: frame.NewReader(conn, 0)}
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (p *peer) send(b string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(b))
	require.NoError(p.t, err)
}

func (p *peer) readLine() string {
	p.t.Helper()
	line, err := p.fr.ReadLine()
	require.NoError(p.t, err)
	return line
}

// greet plays the server side of a successful handshake.
func (p *peer) greet() string {
	p.t.Helper()
	p.send(protocol.NamePrompt + "\n")
	name := p.readLine()
	p.send(roleLine + "\n")
	return name
}

type recorder struct {
	mu     sync.Mutex
	lines  chan string
	files  chan FileEvent
	errs   chan error
	states []ConnectionState
}

func record(c *Client) *recorder {
	r := &recorder{
		lines: make(chan string, 32),
		files: make(chan FileEvent, 8),
		errs:  make(chan error, 32),
	}

	c.OnLine(func(e LineEvent) { r.lines <- e.Line })
	c.OnFile(func(e FileEvent) { r.files <- e })
	c.OnError(func(e ErrorEvent) {
		select {
		case r.errs <- e.Error:
		default:
		}
	})
	c.OnConnectionState(func(e ConnectionStateEvent) {
		r.mu.Lock()
		r.states = append(r.states, e.State)
		r.mu.Unlock()
	})

	return r
}

func (r *recorder) line(t *testing.T) string {
	t.Helper()
	select {
	case l := <-r.lines:
		return l
	case <-time.After(3 * time.Second):
		t.Fatal("no line")
		return ""
	}
}

func (r *recorder) seen() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func newClient(t *testing.T, addr, name string) *Client {
	t.Helper()
	cfg := DefaultConfig(addr, name)
	cfg.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	cfg.ConnectionTimeout = 3 * time.Second
	cfg.WriteTimeout = 3 * time.Second

	c := New(cfg, logger.NewNopLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestClient_ConnectAndReceive(t *testing.T) {
	srv := startFake(t)
	c := newClient(t, srv.addr(), "alice")
	rec := record(c)

	connected := make(chan error, 1)
	go func() { connected <- c.Connect() }()

	p := srv.accept(t)
	assert.Equal(t, "alice", p.greet())
	require.NoError(t, <-connected)
	assert.True(t, c.IsConnected())

	assert.Equal(t, roleLine, rec.line(t))

	p.send("alice: hi\n")
	assert.Equal(t, "alice: hi", rec.line(t))

	p.send("FILE|bob|alice|../../evil.txt|5\nhelloUSERS|alice,bob,\n")

	select {
	case ev := <-rec.files:
		assert.Equal(t, filepath.Join(c.config.DownloadDir, "evil.txt"), ev.Path)
		assert.Equal(t, "bob", ev.Header.Sender)
		data, err := os.ReadFile(ev.Path)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("no file")
	}

	assert.Equal(t, "USERS|alice,bob,", rec.line(t))

	assert.Equal(t, []ConnectionState{Connecting, Connected}, rec.seen())
}

func TestClient_ReceiveOverwrites(t *testing.T) {
	srv := startFake(t)
	c := newClient(t, srv.addr(), "alice")
	rec := record(c)

	require.NoError(t, os.MkdirAll(c.config.DownloadDir, 0o755))
	existing := filepath.Join(c.config.DownloadDir, "a.txt")
	require.NoError(t, os.WriteFile(existing, []byte("old contents"), 0o644))

	go func() { _ = c.Connect() }()
	p := srv.accept(t)
	p.greet()
	rec.line(t)

	p.send("FILE|bob|alice|a.txt|3\nnew")
	select {
	case ev := <-rec.files:
		data, err := os.ReadFile(ev.Path)
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("no file")
	}
}

func TestClient_UnusableFileNameIsDrained(t *testing.T) {
	srv := startFake(t)
	c := newClient(t, srv.addr(), "alice")
	rec := record(c)

	go func() { _ = c.Connect() }()
	p := srv.accept(t)
	p.greet()
	rec.line(t)

	p.send("FILE|bob|alice|..|4\n/x/\nnext\n")
	assert.Equal(t, "next", rec.line(t))

	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, ErrBadFileName)
	case <-time.After(3 * time.Second):
		t.Fatal("no error event")
	}
}

func TestClient_Rejected(t *testing.T) {
	t.Run("server full before prompt", func(t *testing.T) {
		srv := startFake(t)
		c := newClient(t, srv.addr(), "carol")

		done := make(chan error, 1)
		go func() { done <- c.Connect() }()

		p := srv.accept(t)
		p.send("[ERROR] Server full: only 2 Tic-Tac-Toe players allowed.\n")
		_ = p.conn.Close()

		err := <-done
		require.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "Server full")
		assert.Equal(t, Disconnected, c.GetState())
	})

	t.Run("duplicate name", func(t *testing.T) {
		srv := startFake(t)
		c := newClient(t, srv.addr(), "alice")

		done := make(chan error, 1)
		go func() { done <- c.Connect() }()

		p := srv.accept(t)
		p.send(protocol.NamePrompt + "\n")
		assert.Equal(t, "alice", p.readLine())
		p.send("[ERROR] Username already in use. Please reconnect with a different name.\n")

		err := <-done
		require.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "already in use")
	})

	t.Run("empty name", func(t *testing.T) {
		c := newClient(t, "127.0.0.1:1", " ")
		assert.ErrorIs(t, c.Connect(), ErrRejected)
	})
}

func TestClient_SendLineAndFile(t *testing.T) {
	srv := startFake(t)
	c := newClient(t, srv.addr(), "alice")
	record(c)

	assert.ErrorIs(t, c.SendLine("too early"), ErrNotConnected)

	go func() { _ = c.Connect() }()
	p := srv.accept(t)
	p.greet()
	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond)

	payload := bytes.Repeat([]byte("0123456789\n"), 300)
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	require.NoError(t, c.SendLine("/move 1 1"))
	require.NoError(t, c.SendFile("bob", path))
	require.NoError(t, c.SendLine("done"))

	assert.Equal(t, "/move 1 1", p.readLine())
	assert.Equal(t, "FILE|alice|bob|data.bin|3300", p.readLine())
	got, err := p.fr.ReadExact(len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "done", p.readLine())

	assert.Error(t, c.SendFile("bob", filepath.Join(t.TempDir(), "missing")))
}

func TestClient_SendFileRejectsUnframableNames(t *testing.T) {
	srv := startFake(t)
	c := newClient(t, srv.addr(), "alice")
	record(c)

	go func() { _ = c.Connect() }()
	p := srv.accept(t)
	p.greet()
	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond)

	dir := t.TempDir()
	piped := filepath.Join(dir, "report|v2.txt")
	require.NoError(t, os.WriteFile(piped, []byte("SECRET PAYLOAD LINE\n"), 0o644))
	plain := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	assert.ErrorIs(t, c.SendFile("bob", piped), ErrBadFileName)
	assert.ErrorIs(t, c.SendFile("bob|carol", plain), ErrBadTarget)
	assert.ErrorIs(t, c.SendFile("bob\n", plain), ErrBadTarget)
	assert.ErrorIs(t, c.SendFile("", plain), ErrBadTarget)

	require.NoError(t, c.SendLine("after"))
	assert.Equal(t, "after", p.readLine(), "nothing was written for the refused files")
	assert.True(t, c.IsConnected())
}

func TestClient_AutoReconnect(t *testing.T) {
	srv := startFake(t)

	cfg := DefaultConfig(srv.addr(), "alice")
	cfg.DownloadDir = t.TempDir()
	cfg.AutoReconnect = true
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.ConnectionTimeout = 3 * time.Second

	c := New(cfg, logger.NewNopLogger())
	t.Cleanup(func() { _ = c.Close() })
	rec := record(c)

	go func() { _ = c.Connect() }()
	first := srv.accept(t)
	assert.Equal(t, "alice", first.greet())
	rec.line(t)

	_ = first.conn.Close()

	second := srv.accept(t)
	assert.Equal(t, "alice", second.greet(), "handshake runs again")
	assert.Equal(t, roleLine, rec.line(t))

	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.seen(), Reconnecting)
}

func TestClient_Close(t *testing.T) {
	srv := startFake(t)
	c := newClient(t, srv.addr(), "alice")
	rec := record(c)

	go func() { _ = c.Connect() }()
	p := srv.accept(t)
	p.greet()
	rec.line(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.GetState())

	assert.ErrorIs(t, c.Connect(), ErrClosed)
	assert.ErrorIs(t, c.SendLine("hi"), ErrClosed)

	_, err := p.fr.ReadLine()
	assert.Error(t, err, "server side sees the connection close")
}
