package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/registry"
)

// DefaultOutboxSize is the queue length used when NewOutbox gets zero.
const DefaultOutboxSize = 256

var (
	// ErrOutboxClosed is returned for frames offered after Close.
	ErrOutboxClosed = fmt.Errorf("session: outbox closed: %w", registry.ErrUndelivered)

	// ErrOutboxFull is returned when the queue had no room. The connection
	// is closed at the same time.
	ErrOutboxFull = fmt.Errorf("session: outbox full: %w", registry.ErrUndelivered)
)

type job struct {
	line    string
	payload *frame.Reader
	size    int64
	result  chan error
}

// Outbox is the outbound side of one connection. Frames are queued without
// blocking and written in order by a single writer goroutine, so a slow
// reader never stalls the goroutine that produced the frame. An Outbox
// satisfies registry.Member.
type Outbox struct {
	conn         net.Conn
	fw           *frame.Writer
	log          logger.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan job

	// broken is only touched by the writer goroutine.
	broken bool
	done   chan struct{}
}

// NewOutbox starts the writer goroutine for conn.
//
// Parameters:
//   - conn: The connection to write to
//   - size: Maximum number of queued frames; zero or less uses DefaultOutboxSize
//   - writeTimeout: Deadline for each write; zero means none
//   - log: Logger for delivery failures
//
// Returns:
//   - A running Outbox; call Close to stop it
func NewOutbox(conn net.Conn, size int, writeTimeout time.Duration, log logger.Logger) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}

	o := &Outbox{
		conn:         conn,
		fw:           frame.NewWriter(conn),
		log:          log,
		writeTimeout: writeTimeout,
		queue:        make(chan job, size),
		done:         make(chan struct{}),
	}

	go o.run()
	return o
}

// SendLine queues one text frame. A full queue disconnects the peer.
//
// Returns:
//   - false if the line was dropped
func (o *Outbox) SendLine(line string) bool {
	return o.enqueue(job{line: line}) == nil
}

// Transfer queues header and then copies exactly size bytes from payload to
// the connection in frame.DefaultBufferSize chunks. The copy runs on the
// writer goroutine, after every frame queued before it and before any frame
// queued after it, while the caller waits. The caller must not use payload
// until Transfer returns.
//
// If the frame cannot be queued or the write fails, the rest of the payload
// is discarded and an error matching registry.ErrUndelivered is returned.
// If payload ends early the peer has received a truncated file and its
// connection is closed.
//
// Returns:
//   - nil once the whole payload has been written
func (o *Outbox) Transfer(header string, payload *frame.Reader, size int64) error {
	result := make(chan error, 1)
	if err := o.enqueue(job{line: header, payload: payload, size: size, result: result}); err != nil {
		if _, derr := payload.Discard(size); derr != nil {
			return fmt.Errorf("discard payload: %w", derr)
		}

		return err
	}

	return <-result
}

// Close stops accepting frames. Frames already queued are still written,
// then the connection is closed. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

// Done is closed once the writer goroutine has exited and the connection
// is closed.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) enqueue(j job) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}

	select {
	case o.queue <- j:
		return nil
	default:
		o.log.Warn("outbox full, disconnecting slow consumer", logger.Field{Key: "queued", Value: len(o.queue)})
		o.closeLocked()
		_ = o.conn.Close()
		return ErrOutboxFull
	}
}

func (o *Outbox) closeLocked() {
	if o.closed {
		return
	}

	o.closed = true
	close(o.queue)
}

func (o *Outbox) run() {
	defer close(o.done)
	defer func() {
		_ = o.conn.Close()
	}()

	for j := range o.queue {
		if j.payload == nil {
			_ = o.writeLine(j.line)
			continue
		}

		j.result <- o.transfer(j)
	}
}

func (o *Outbox) writeLine(line string) error {
	if o.broken {
		return ErrOutboxClosed
	}

	o.armDeadline()
	if err := o.fw.WriteLine(line); err != nil {
		o.fail(err)
		return err
	}

	return nil
}

func (o *Outbox) transfer(j job) error {
	if err := o.writeLine(j.line); err != nil {
		if _, derr := j.payload.Discard(j.size); derr != nil {
			return fmt.Errorf("discard payload: %w", derr)
		}

		return fmt.Errorf("%w: %v", registry.ErrUndelivered, err)
	}

	dst := &deadlineWriter{o: o}
	n, err := j.payload.CopyExact(dst, j.size)
	if err == nil {
		return nil
	}

	if dst.err != nil {
		// receiver side failed; the unwritten remainder is still unread
		o.fail(dst.err)
		if _, derr := j.payload.Discard(j.size - n); derr != nil {
			return fmt.Errorf("discard payload: %w", derr)
		}

		return fmt.Errorf("%w: %v", registry.ErrUndelivered, dst.err)
	}

	o.fail(err)
	return fmt.Errorf("read payload after %d of %d bytes: %w", n, j.size, err)
}

// fail marks the connection unusable, stops intake and closes the
// connection so the peer's read loop ends too.
func (o *Outbox) fail(err error) {
	if o.broken {
		return
	}

	o.broken = true
	o.log.Debug("write failed, closing connection", logger.Field{Key: "error", Value: err.Error()})
	o.Close()
	_ = o.conn.Close()
}

func (o *Outbox) armDeadline() {
	if o.writeTimeout > 0 {
		_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
	}
}

type deadlineWriter struct {
	o   *Outbox
	err error
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	d.o.armDeadline()
	if err := d.o.fw.WriteBytes(p); err != nil {
		d.err = err
		return 0, err
	}

	return len(p), nil
}
