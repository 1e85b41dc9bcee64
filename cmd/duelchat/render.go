package main

import (
	"strings"

	"github.com/fatih/color"

	"github.com/cyberinferno/duelchat/protocol"
)

// render turns one server frame into terminal output.
func render(line string) string {
	switch {
	case strings.HasPrefix(line, protocol.PrefixError):
		return color.RedString(line)
	case strings.HasPrefix(line, protocol.PrefixServer):
		return color.YellowString(strings.TrimPrefix(line, protocol.PrefixServer))
	case strings.HasPrefix(line, protocol.PrefixPrivate):
		return color.CyanString(line)
	case strings.HasPrefix(line, protocol.PrefixTyping):
		return color.HiBlackString(strings.TrimPrefix(line, protocol.PrefixTyping))
	case strings.HasPrefix(line, protocol.PrefixUsers):
		return color.BlueString("Online: " + renderUsers(line))
	case strings.HasPrefix(line, protocol.PrefixBoard):
		cells, _ := protocol.ParseBoard(line)
		return color.MagentaString(renderBoard(cells))
	case strings.HasPrefix(line, protocol.PrefixGameOver):
		return renderGameOver(strings.TrimPrefix(line, protocol.PrefixGameOver))
	case strings.HasPrefix(line, protocol.PrefixRetryStatus):
		return color.MagentaString("Retry requested (" + strings.TrimPrefix(line, protocol.PrefixRetryStatus) + "/2)")
	default:
		return line
	}
}

func renderUsers(line string) string {
	names := strings.Split(strings.TrimSuffix(strings.TrimPrefix(line, protocol.PrefixUsers), ","), ",")
	return strings.Join(names, ", ")
}

func renderBoard(cells [3][3]byte) string {
	var sb strings.Builder
	for r, row := range cells {
		if r > 0 {
			sb.WriteString("\n-+-+-\n")
		}

		for c, mark := range row {
			if c > 0 {
				sb.WriteByte('|')
			}
			sb.WriteByte(mark)
		}
	}

	return sb.String()
}

func renderGameOver(outcome string) string {
	switch outcome {
	case protocol.OutcomeWin:
		return color.GreenString("You win! Type /ttt retry to play again.")
	case protocol.OutcomeLose:
		return color.RedString("You lose. Type /ttt retry to play again.")
	case protocol.OutcomeDraw:
		return color.YellowString("Draw. Type /ttt retry to play again.")
	default:
		return "Game over: " + outcome
	}
}
