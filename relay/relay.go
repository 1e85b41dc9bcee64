// Package relay forwards a file announced by a FILE header from the sender's
// stream to the receiver's connection without letting payload bytes leak
// into either side's text frames.
package relay

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/perfmonitor"
	"github.com/cyberinferno/duelchat/protocol"
	"github.com/cyberinferno/duelchat/registry"
)

// ErrRejected is matched by every error that leaves the sender's stream
// positioned at the next line. Any other error from Forward means the
// sender's stream is no longer usable.
var ErrRejected = errors.New("relay: transfer rejected")

var (
	ErrTargetNotFound = fmt.Errorf("%w: target not found", ErrRejected)
	ErrFileTooLarge   = fmt.Errorf("%w: file too large", ErrRejected)
	ErrSenderMismatch = fmt.Errorf("%w: sender does not match session", ErrRejected)
	ErrNotDelivered   = fmt.Errorf("%w: receiver dropped", ErrRejected)
)

const (
	msgTargetNotFound = "Target user not found for file transfer."
	msgFileTooLarge   = "File too large."
	msgSenderMismatch = "Invalid file header."
	msgNotDelivered   = "File transfer failed."
)

// Directory resolves receiver names. *registry.Registry satisfies it.
type Directory interface {
	Lookup(name string) (registry.Member, bool)
}

// Relay forwards files between registered clients.
type Relay struct {
	dir     Directory
	maxSize int64
	log     logger.Logger
}

// New returns a Relay that refuses files larger than maxSize bytes. A
// maxSize of zero or less means no limit.
func New(dir Directory, maxSize int64, log logger.Logger) *Relay {
	return &Relay{
		dir:     dir,
		maxSize: maxSize,
		log:     log.With(logger.Field{Key: "component", Value: "relay"}),
	}
}

// Forward handles one FILE header read by sender's session. On success the
// receiver gets the header line followed by exactly h.Size bytes copied from
// src. When the transfer is refused the sender gets an [ERROR] frame and the
// h.Size payload bytes are read from src and dropped, so src is left at the
// next line either way.
//
// Parameters:
//   - sender: Name of the session that read the header
//   - senderOut: Where error frames for the sender go
//   - h: The parsed header
//   - src: The sender's stream, positioned at the first payload byte
//
// Returns:
//   - nil if delivered, an error matching ErrRejected if refused, or a read
//     error if src ended before the payload did
func (r *Relay) Forward(sender string, senderOut registry.Member, h protocol.FileHeader, src *frame.Reader) error {
	log := r.log.With(
		logger.Field{Key: "transfer_id", Value: uuid.NewString()},
		logger.Field{Key: "from", Value: sender},
		logger.Field{Key: "to", Value: h.Target},
		logger.Field{Key: "file", Value: h.Name},
		logger.Field{Key: "size", Value: h.Size})

	var (
		reject error
		reply  string
	)

	receiver, found := r.dir.Lookup(h.Target)
	switch {
	case h.Sender != sender:
		reject, reply = ErrSenderMismatch, msgSenderMismatch
	case r.maxSize > 0 && h.Size > r.maxSize:
		reject, reply = ErrFileTooLarge, msgFileTooLarge
	case !found:
		reject, reply = ErrTargetNotFound, msgTargetNotFound
	}

	if reject != nil {
		log.Info("file transfer refused", logger.Field{Key: "reason", Value: reject.Error()})
		senderOut.SendLine(protocol.Error(reply))
		if _, err := src.Discard(h.Size); err != nil {
			return fmt.Errorf("drain refused payload: %w", err)
		}

		return reject
	}

	monitor := perfmonitor.NewPerformanceMonitor()
	monitor.Start()
	err := receiver.Transfer(h.String(), src, h.Size)
	monitor.Stop()

	switch {
	case err == nil:
		log.Info("file relayed", logger.Field{Key: "elapsed_ms", Value: monitor.ElapsedMilliseconds()})
		return nil
	case errors.Is(err, registry.ErrUndelivered):
		log.Warn("file not delivered", logger.Field{Key: "error", Value: err.Error()})
		senderOut.SendLine(protocol.Error(msgNotDelivered))
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	default:
		log.Warn("sender stream ended during transfer",
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "elapsed_ms", Value: monitor.ElapsedMilliseconds()})
		return err
	}
}
