// Package protocol defines the text commands a client may send, the
// prefix-tagged frames the server sends back, and the FILE header that
// announces a raw byte payload on the same stream.
package protocol

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMalformed is matched by every error Parse returns.
var ErrMalformed = errors.New("protocol: malformed command")

// UsageError reports a command that was recognised but could not be
// parsed. Usage is the text sent back to the client in an [ERROR] frame.
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return "protocol: malformed " + e.Command + ": " + e.Usage
}

func (e *UsageError) Unwrap() error {
	return ErrMalformed
}

// Command is one parsed client line. The concrete type is one of Chat,
// Typing, PrivateMessage, Move, Retry or FileTransfer.
type Command interface {
	command()
}

// Chat is any line that is not a recognised command.
type Chat struct {
	Text string
}

// Typing announces that the sender is composing a message. Target is the
// optional argument the client sent; the server does not use it.
type Typing struct {
	Target string
}

// PrivateMessage is a /pm line.
type PrivateMessage struct {
	Target string
	Text   string
}

// Move is a /move line with 1-based coordinates as typed by the user.
type Move struct {
	Row int
	Col int
}

// Cell returns the zero-based board coordinates of the move.
func (m Move) Cell() (row, col int) {
	return m.Row - 1, m.Col - 1
}

// Retry is a /ttt retry line.
type Retry struct{}

// FileTransfer is a FILE header line; Header.Size raw bytes follow it.
type FileTransfer struct {
	Header FileHeader
}

func (Chat) command()           {}
func (Typing) command()         {}
func (PrivateMessage) command() {}
func (Move) command()           {}
func (Retry) command()          {}
func (FileTransfer) command()   {}

const (
	UsageMove = "Invalid move command. Use: /move row col"
	UsagePM   = "Usage: /pm <username> <message>"
	UsageFile = "Invalid file header."
)

// Parse classifies one line received from a registered client.
//
// Parameters:
//   - line: The line without its terminator
//
// Returns:
//   - The parsed Command
//   - A *UsageError (matching ErrMalformed) for a malformed /move, /pm or
//     FILE line
func Parse(line string) (Command, error) {
	if strings.HasPrefix(line, filePrefix) {
		header, err := ParseFileHeader(line)
		if err != nil {
			return nil, err
		}

		return FileTransfer{Header: header}, nil
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Chat{Text: line}, nil
	}

	switch fields[0] {
	case "/typing":
		target := ""
		if len(fields) > 1 {
			target = fields[1]
		}

		return Typing{Target: target}, nil

	case "/pm":
		return parsePrivateMessage(line)

	case "/move":
		return parseMove(fields)

	case "/ttt":
		if len(fields) == 2 && fields[1] == "retry" {
			return Retry{}, nil
		}
	}

	return Chat{Text: line}, nil
}

func parsePrivateMessage(line string) (Command, error) {
	rest := strings.TrimLeft(strings.TrimPrefix(strings.TrimLeft(line, " "), "/pm"), " ")
	target, text, ok := strings.Cut(rest, " ")
	if !ok || target == "" || strings.TrimSpace(text) == "" {
		return nil, &UsageError{Command: "/pm", Usage: UsagePM}
	}

	return PrivateMessage{Target: target, Text: text}, nil
}

func parseMove(fields []string) (Command, error) {
	if len(fields) != 3 {
		return nil, &UsageError{Command: "/move", Usage: UsageMove}
	}

	row, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, &UsageError{Command: "/move", Usage: UsageMove}
	}

	col, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, &UsageError{Command: "/move", Usage: UsageMove}
	}

	return Move{Row: row, Col: col}, nil
}
