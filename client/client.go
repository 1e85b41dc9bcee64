// Package client provides an event-driven duelchat client. It performs the
// name handshake, reports every server line and every received file through
// registered handlers, and can reconnect automatically when the connection
// drops.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/protocol"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")

	// ErrNotConnected is returned when sending without a connection.
	ErrNotConnected = errors.New("client: not connected")

	// ErrAlreadyConnected is returned by Connect on a live connection.
	ErrAlreadyConnected = errors.New("client: already connected or connecting")

	// ErrRejected is returned by Connect when the server refuses the
	// connection or the name. The wrapped text is the server's reason.
	ErrRejected = errors.New("client: rejected by server")

	// ErrShortFile is returned by SendFile when the file shrank while it
	// was being sent. The connection is dropped because the server is
	// still waiting for the announced bytes.
	ErrShortFile = errors.New("client: file shorter than announced")

	// ErrBadFileName is reported when a received file has no usable name,
	// and returned by SendFile for names that cannot be framed.
	ErrBadFileName = errors.New("client: unusable file name")

	// ErrBadTarget is returned by SendFile for a target that cannot be a
	// display name.
	ErrBadTarget = errors.New("client: unusable target name")
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Dialing and handshaking
	Connected                           // Registered with the server
	Reconnecting                        // Waiting before the next attempt (AutoReconnect only)
	Closed                              // Closed for good
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// LineEvent carries one text frame from the server.
type LineEvent struct {
	Line      string
	Timestamp time.Time
}

// FileEvent is emitted after a relayed file has been written to disk.
type FileEvent struct {
	Header    protocol.FileHeader
	Path      string
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write, connection or download error
// occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called when the connection state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// LineHandler is called for every text frame, in arrival order, on the
// read goroutine. It must not block for long and must not call Close.
type LineHandler func(event LineEvent)

// FileHandler is called for every saved file, in arrival order relative to
// lines, on the read goroutine.
type FileHandler func(event FileEvent)

// ErrorHandler is called when an error occurs.
type ErrorHandler func(event ErrorEvent)

// Config holds the client settings.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// Name is the display name sent during the handshake.
	Name string
	// DownloadDir receives relayed files; existing files are overwritten.
	DownloadDir string
	// AutoReconnect re-dials and re-runs the handshake when the
	// connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// WriteTimeout bounds each write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for each server frame; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout bounds dialing plus the handshake.
	ConnectionTimeout time.Duration
	// MaxLineBytes is the longest accepted server line; 0 uses the frame
	// package default.
	MaxLineBytes int
}

// DefaultConfig returns a Config with default values for the given address
// and name.
//
// Parameters:
//   - address: The "host:port" to connect to
//   - name: Display name to register
//
// Returns:
//   - A Config with defaults: DownloadDir "downloads", ReconnectInterval 5s,
//     WriteTimeout 10s, ConnectionTimeout 10s, ReadTimeout 0, AutoReconnect false.
func DefaultConfig(address, name string) Config {
	return Config{
		Address:           address,
		Name:              name,
		DownloadDir:       "downloads",
		AutoReconnect:     false,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       0,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is a duelchat connection driven by events. Register handlers, then
// call Connect. It is safe for concurrent use.
type Client struct {
	config Config
	log    logger.Logger

	conn  net.Conn
	out   *frame.Writer
	state ConnectionState

	onConnectionState ConnectionStateHandler
	onLine            LineHandler
	onFile            FileHandler
	onError           ErrorHandler

	mu               sync.RWMutex
	sendMu           sync.Mutex
	stopChan         chan struct{}
	reconnectChan    chan struct{}
	wg               sync.WaitGroup
	closed           bool
	reconnectStarted bool
}

// New creates a client in Disconnected state.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//   - log: Logger for connection events
//
// Returns:
//   - A new *Client; call Close when done to release resources.
func New(config Config, log logger.Logger) *Client {
	return &Client{
		config:        config,
		log:           log.With(logger.Field{Key: "component", Value: "client"}, logger.Field{Key: "addr", Value: config.Address}),
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for state changes, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnLine registers the handler for server lines, replacing any previous one.
func (c *Client) OnLine(handler LineHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLine = handler
}

// OnFile registers the handler for received files, replacing any previous
// one.
func (c *Client) OnFile(handler FileHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFile = handler
}

// OnError registers the handler for errors, replacing any previous one.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the server and registers Config.Name. It returns once the
// server has confirmed the name or refused it.
//
// Returns:
//   - nil on success
//   - ErrClosed, ErrAlreadyConnected, an error wrapping ErrRejected with the
//     server's reason, or the dial or read error
func (c *Client) Connect() error {
	if strings.TrimSpace(c.config.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrRejected)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	return c.connect()
}

// SendLine sends one command or chat line.
//
// Parameters:
//   - line: Text without the trailing newline
//
// Returns:
//   - ErrNotConnected, or the write error
func (c *Client) SendLine(line string) error {
	conn, out, err := c.current()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	err = out.WriteLine(line)
	c.sendMu.Unlock()

	if err != nil {
		c.fail(conn, err)
	}

	return err
}

// SendFile relays the file at path to target. The header and the raw bytes
// are written without any other line in between.
//
// Parameters:
//   - target: Recipient display name
//   - path: Local file to send; only its base name is announced
//
// Returns:
//   - An error if the file cannot be read or the connection fails
func (c *Client) SendFile(target, path string) error {
	name := filepath.Base(path)
	if target == "" || strings.ContainsAny(target, headerUnsafe) {
		return fmt.Errorf("%w: %q", ErrBadTarget, target)
	}

	if strings.ContainsAny(name, headerUnsafe) {
		return fmt.Errorf("%w: %q", ErrBadFileName, name)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("client: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("client: stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("client: %s is not a regular file", path)
	}

	conn, out, err := c.current()
	if err != nil {
		return err
	}

	header := protocol.FileHeader{
		Sender: c.config.Name,
		Target: target,
		Name:   name,
		Size:   info.Size(),
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := out.WriteLine(header.String()); err != nil {
		c.fail(conn, err)
		return err
	}

	n, err := io.CopyN(deadlineWriter{conn: conn, timeout: c.config.WriteTimeout}, f, header.Size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: sent %d of %d bytes", ErrShortFile, n, header.Size)
		}

		c.fail(conn, err)
		return err
	}

	c.log.Info("file sent", logger.Field{Key: "target", Value: target}, logger.Field{Key: "file", Value: header.Name}, logger.Field{Key: "bytes", Value: n})
	return nil
}

// Disconnect closes the current connection without closing the client;
// Connect may be called again. It does not trigger a reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.out = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	c.setState(Disconnected, nil)
	return err
}

// Close shuts down the client and waits for its goroutines. Idempotent.
// It must not be called from a handler.
//
// Returns:
//   - nil
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.out = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)
	return nil
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is registered with the server.
func (c *Client) IsConnected() bool {
	return c.GetState() == Connected
}

func (c *Client) current() (net.Conn, *frame.Writer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, nil, ErrClosed
	}

	if c.state != Connected || c.conn == nil {
		return nil, nil, ErrNotConnected
	}

	return c.conn, c.out, nil
}

func (c *Client) connect() error {
	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	fr := frame.NewReader(conn, c.config.MaxLineBytes)
	confirmation, err := c.handshake(conn, fr)
	if err != nil {
		_ = conn.Close()
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}

	c.conn = conn
	c.out = frame.NewWriter(deadlineWriter{conn: conn, timeout: c.config.WriteTimeout})
	startReconnect := c.config.AutoReconnect && !c.reconnectStarted
	c.reconnectStarted = c.reconnectStarted || startReconnect
	c.wg.Add(1)
	if startReconnect {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.log.Info("connected", logger.Field{Key: "name", Value: c.config.Name})
	c.setState(Connected, nil)

	go c.readLoop(conn, fr, confirmation)

	if startReconnect {
		go c.reconnectHandler()
	}

	return nil
}

// handshake answers the name prompt and returns the server's confirmation
// line.
func (c *Client) handshake(conn net.Conn, fr *frame.Reader) (string, error) {
	if c.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.config.ConnectionTimeout)); err != nil {
			return "", err
		}

		defer func() {
			_ = conn.SetDeadline(time.Time{})
		}()
	}

	prompt, err := fr.ReadLine()
	if err != nil {
		return "", fmt.Errorf("client: read prompt: %w", err)
	}

	if prompt != protocol.NamePrompt {
		return "", fmt.Errorf("%w: %s", ErrRejected, strings.TrimPrefix(prompt, protocol.PrefixError))
	}

	if _, err := conn.Write([]byte(c.config.Name + "\n")); err != nil {
		return "", fmt.Errorf("client: send name: %w", err)
	}

	reply, err := fr.ReadLine()
	if err != nil {
		return "", fmt.Errorf("client: read confirmation: %w", err)
	}

	if strings.HasPrefix(reply, protocol.PrefixError) {
		return "", fmt.Errorf("%w: %s", ErrRejected, strings.TrimPrefix(reply, protocol.PrefixError))
	}

	return reply, nil
}

func (c *Client) readLoop(conn net.Conn, fr *frame.Reader, first string) {
	defer c.wg.Done()

	c.emitLine(first)

	for {
		if err := c.armRead(conn); err != nil {
			c.fail(conn, err)
			return
		}

		line, err := fr.ReadLine()
		if err != nil {
			c.fail(conn, err)
			return
		}

		if !protocol.IsFileHeader(line) {
			c.emitLine(line)
			continue
		}

		header, err := protocol.ParseFileHeader(line)
		if err != nil {
			c.emitLine(line)
			continue
		}

		path, saveErr, streamErr := c.receiveFile(conn, fr, header)
		if streamErr != nil {
			c.fail(conn, streamErr)
			return
		}

		if saveErr != nil {
			c.log.Warn("file not saved", logger.Field{Key: "file", Value: header.Name}, logger.Field{Key: "error", Value: saveErr})
			c.emitError(saveErr)
			continue
		}

		c.log.Info("file received", logger.Field{Key: "from", Value: header.Sender}, logger.Field{Key: "path", Value: path}, logger.Field{Key: "bytes", Value: header.Size})
		c.emitFile(header, path)
	}
}

func (c *Client) armRead(conn net.Conn) error {
	if c.config.ReadTimeout > 0 {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	return conn.SetReadDeadline(time.Time{})
}

// receiveFile writes the payload that follows header into DownloadDir.
// saveErr means the payload was consumed but not saved; streamErr means the
// connection is unusable.
func (c *Client) receiveFile(conn net.Conn, fr *frame.Reader, header protocol.FileHeader) (path string, saveErr, streamErr error) {
	// Payloads get no read deadline; the server streams them as fast as
	// the sender provides them.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", nil, err
	}

	name := filepath.Base(header.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		if _, err := fr.Discard(header.Size); err != nil {
			return "", nil, err
		}

		return "", fmt.Errorf("%w: %q", ErrBadFileName, header.Name), nil
	}

	path = filepath.Join(c.config.DownloadDir, name)
	if err := os.MkdirAll(c.config.DownloadDir, 0o755); err != nil {
		if _, err := fr.Discard(header.Size); err != nil {
			return "", nil, err
		}

		return "", err, nil
	}

	f, err := os.Create(path)
	if err != nil {
		if _, err := fr.Discard(header.Size); err != nil {
			return "", nil, err
		}

		return "", err, nil
	}

	sink := &fileSink{f: f}
	n, err := fr.CopyExact(sink, header.Size)
	closeErr := f.Close()

	if sink.err != nil {
		_ = os.Remove(path)
		if _, err := fr.Discard(header.Size - n); err != nil {
			return "", nil, err
		}

		return "", sink.err, nil
	}

	if err != nil {
		_ = os.Remove(path)
		return "", nil, err
	}

	if closeErr != nil {
		return "", closeErr, nil
	}

	return path, nil, nil
}

// fail drops conn after an I/O error unless the client is closing or conn
// was already replaced.
func (c *Client) fail(conn net.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}

	c.conn = nil
	c.out = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn("connection lost", logger.Field{Key: "error", Value: err})
	c.emitError(err)
	c.setState(Disconnected, err)
	c.triggerReconnect()
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		if c.isClosed() {
			return
		}

		c.setState(Reconnecting, nil)

		select {
		case <-c.stopChan:
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		if c.isClosed() {
			return
		}

		if err := c.connect(); err != nil {
			c.triggerReconnect()
		}
	}
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitLine(line string) {
	c.mu.RLock()
	handler := c.onLine
	c.mu.RUnlock()

	if handler != nil {
		handler(LineEvent{Line: line, Timestamp: time.Now()})
	}
}

func (c *Client) emitFile(header protocol.FileHeader, path string) {
	c.mu.RLock()
	handler := c.onFile
	c.mu.RUnlock()

	if handler != nil {
		handler(FileEvent{Header: header, Path: path, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// headerUnsafe are the bytes that would break a FILE header line.
const headerUnsafe = "|\r\n"

// deadlineWriter re-arms the write deadline before every write.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}

	return w.conn.Write(p)
}

// fileSink records the first write error so it can be told apart from a
// read error on the connection.
type fileSink struct {
	f   *os.File
	err error
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if err != nil && s.err == nil {
		s.err = err
	}

	return n, err
}
