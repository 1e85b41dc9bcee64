package protocol

import (
	"strconv"
	"strings"
)

// Frame prefixes sent by the server.
const (
	PrefixServer      = "[SERVER] "
	PrefixError       = "[ERROR] "
	PrefixTyping      = "[TYPING] "
	PrefixPrivate     = "[PM] "
	PrefixUsers       = "USERS|"
	PrefixBoard       = "[GAMEBOARD] "
	PrefixGameOver    = "[GAME_OVER] "
	PrefixRetryStatus = "[RETRY_STATUS] "
)

// Game outcomes carried by a [GAME_OVER] frame.
const (
	OutcomeWin  = "WIN"
	OutcomeLose = "LOSE"
	OutcomeDraw = "DRAW"
)

// NamePrompt is the first line sent on every accepted connection.
const NamePrompt = "Enter username:"

// Server builds an informational [SERVER] frame.
func Server(text string) string {
	return PrefixServer + text
}

// Error builds an [ERROR] frame.
func Error(text string) string {
	return PrefixError + text
}

// TypingNotice builds the typing indicator for name.
func TypingNotice(name string) string {
	return PrefixTyping + name + " is typing..."
}

// Private builds a private message frame as seen by the recipient.
func Private(from, text string) string {
	return PrefixPrivate + from + ": " + text
}

// ChatLine builds a public chat line.
func ChatLine(from, text string) string {
	return from + ": " + text
}

// Users builds a roster frame. Every name is followed by a comma.
func Users(names []string) string {
	var sb strings.Builder
	sb.WriteString(PrefixUsers)
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte(',')
	}

	return sb.String()
}

// Board builds a [GAMEBOARD] frame listing all nine cells in row-major
// order as "row,col,mark;". Empty cells carry a space.
func Board(cells [3][3]byte) string {
	var sb strings.Builder
	sb.WriteString(PrefixBoard)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			sb.WriteString(strconv.Itoa(r))
			sb.WriteByte(',')
			sb.WriteString(strconv.Itoa(c))
			sb.WriteByte(',')
			sb.WriteByte(cells[r][c])
			sb.WriteByte(';')
		}
	}

	return sb.String()
}

// ParseBoard decodes a [GAMEBOARD] frame. Malformed entries are skipped.
//
// Returns:
//   - The decoded cells and true if line is a board frame
func ParseBoard(line string) ([3][3]byte, bool) {
	var cells [3][3]byte
	for r := range cells {
		for c := range cells[r] {
			cells[r][c] = ' '
		}
	}

	body, ok := strings.CutPrefix(line, PrefixBoard)
	if !ok {
		return cells, false
	}

	for _, entry := range strings.Split(body, ";") {
		parts := strings.SplitN(entry, ",", 3)
		if len(parts) != 3 || len(parts[2]) != 1 {
			continue
		}

		r, errR := strconv.Atoi(parts[0])
		c, errC := strconv.Atoi(parts[1])
		if errR != nil || errC != nil || r < 0 || r > 2 || c < 0 || c > 2 {
			continue
		}

		cells[r][c] = parts[2][0]
	}

	return cells, true
}

// GameOver builds the per-player outcome frame.
func GameOver(outcome string) string {
	return PrefixGameOver + outcome
}

// RetryStatus builds the retry acknowledgement counter frame.
func RetryStatus(count int) string {
	return PrefixRetryStatus + strconv.Itoa(count)
}
