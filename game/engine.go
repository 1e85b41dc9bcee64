// Package game implements the single, process-wide two-player tic-tac-toe
// match: role assignment, turn order, win and draw detection, and the
// retry handshake that starts a new round.
package game

import (
	"fmt"
	"sync"

	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/protocol"
	"github.com/cyberinferno/duelchat/safeset"
)

// Mark is the content of a board cell and the symbol bound to a player.
type Mark byte

const (
	Empty Mark = ' '
	MarkX Mark = 'X'
	MarkO Mark = 'O'
)

func (m Mark) String() string {
	return string([]byte{byte(m)})
}

// State is the phase of the match.
type State int

const (
	WaitingForPlayers State = iota
	InProgress
	Finished
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case WaitingForPlayers:
		return "WaitingForPlayers"
	case InProgress:
		return "InProgress"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Outcome is the terminal result of a finished round.
type Outcome int

const (
	NoOutcome Outcome = iota
	WinX
	WinO
	Draw
)

// Notifier delivers engine events. Router satisfies it.
type Notifier interface {
	Broadcast(line string)
	Unicast(name string, line string) bool
}

// Snapshot is a copy of the engine state.
type Snapshot struct {
	Board   [3][3]Mark
	PlayerX string
	PlayerO string
	Turn    string
	State   State
	Outcome Outcome
	Retries int
}

// Engine is the match state machine. All methods are safe for concurrent
// use and every transition, including the frames it emits, happens under
// one mutex.
type Engine struct {
	log    logger.Logger
	notify Notifier

	mu      sync.Mutex
	board   [3][3]Mark
	playerX string
	playerO string
	turn    string
	state   State
	outcome Outcome
	retries *safeset.SafeSet[string]
}

// NewEngine returns an engine waiting for players.
//
// Parameters:
//   - notify: Destination for board, outcome, retry and error frames
//   - log: Logger for game transitions
//
// Returns:
//   - A new Engine with an empty board
func NewEngine(notify Notifier, log logger.Logger) *Engine {
	e := &Engine{
		log:     log.With(logger.Field{Key: "component", Value: "game"}),
		notify:  notify,
		retries: safeset.NewSafeSet[string](),
	}
	e.clearLocked()
	return e
}

// AssignRole binds name to the first free mark, X before O. Once both marks
// are bound a fresh round starts with X to move. When both are already
// bound name stays an observer. No frame is sent; callers announce the role
// and then call BroadcastBoard.
//
// Returns:
//   - The mark bound to name, or Empty for an observer
func (e *Engine) AssignRole(name string) Mark {
	e.mu.Lock()
	defer e.mu.Unlock()

	var mark Mark
	switch {
	case e.playerX == "":
		e.playerX = name
		e.turn = name
		mark = MarkX
	case e.playerO == "":
		e.playerO = name
		mark = MarkO
	default:
		e.log.Warn("both roles taken, joining as observer", logger.Field{Key: "user", Value: name})
		return Empty
	}

	e.log.Info("role assigned", logger.Field{Key: "user", Value: name}, logger.Field{Key: "mark", Value: mark.String()})

	if e.playerX != "" && e.playerO != "" {
		e.startRoundLocked()
	}

	return mark
}

// ReleaseRole unbinds name if it holds a mark, returns the match to
// WaitingForPlayers with a cleared board and announces the reset.
//
// Returns:
//   - true if name held a mark
func (e *Engine) ReleaseRole(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch name {
	case "":
		return false
	case e.playerX:
		e.playerX = ""
	case e.playerO:
		e.playerO = ""
	default:
		return false
	}

	e.clearLocked()
	e.log.Info("player left, game reset", logger.Field{Key: "user", Value: name})

	e.notify.Broadcast(protocol.Server("A Tic-Tac-Toe player left. Game reset."))
	e.broadcastBoardLocked()
	return true
}

// AttemptMove places name's mark at the zero-based cell (row, col). The
// updated board is broadcast; a win or draw finishes the round and sends
// each player a [GAME_OVER] frame. A rejected move changes nothing and the
// reason is sent to name as an [ERROR] frame.
//
// Returns:
//   - nil if the move was applied, or a *Rejection
func (e *Engine) AttemptMove(name string, row, col int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rej := e.checkMoveLocked(name, row, col); rej != nil {
		return e.rejectLocked(name, rej)
	}

	mark := e.markLocked(name)
	e.board[row][col] = mark
	e.log.Debug("move applied",
		logger.Field{Key: "user", Value: name},
		logger.Field{Key: "row", Value: row},
		logger.Field{Key: "col", Value: col})
	e.broadcastBoardLocked()

	switch {
	case e.wins(mark):
		e.state = Finished
		if mark == MarkX {
			e.outcome = WinX
		} else {
			e.outcome = WinO
		}

		e.log.Info("round won", logger.Field{Key: "user", Value: name})
		e.notify.Unicast(name, protocol.GameOver(protocol.OutcomeWin))
		e.notify.Unicast(e.opponentLocked(name), protocol.GameOver(protocol.OutcomeLose))

	case e.full():
		e.state = Finished
		e.outcome = Draw

		e.log.Info("round drawn")
		e.notify.Unicast(e.playerX, protocol.GameOver(protocol.OutcomeDraw))
		e.notify.Unicast(e.playerO, protocol.GameOver(protocol.OutcomeDraw))

	default:
		e.turn = e.opponentLocked(name)
	}

	return nil
}

// AcknowledgeRetry records that name wants another round. The count of
// distinct acknowledging players is broadcast; at two a new round starts
// and the empty board is broadcast.
//
// Returns:
//   - nil if counted, or a *Rejection (also sent to name as [ERROR])
func (e *Engine) AcknowledgeRetry(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isPlayerLocked(name) {
		return e.rejectLocked(name, &Rejection{Reason: RetryNotAPlayer})
	}

	if e.state != Finished {
		return e.rejectLocked(name, &Rejection{Reason: NotFinished})
	}

	if !e.retries.Add(name) {
		return e.rejectLocked(name, &Rejection{Reason: RetryAlreadyRequested})
	}

	count := e.retries.Size()
	e.notify.Broadcast(protocol.RetryStatus(count))
	e.log.Info("retry requested", logger.Field{Key: "user", Value: name}, logger.Field{Key: "count", Value: count})

	if count >= 2 {
		e.startRoundLocked()
		e.broadcastBoardLocked()
	}

	return nil
}

// BroadcastBoard sends the current board to everyone.
func (e *Engine) BroadcastBoard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcastBoardLocked()
}

// Role returns the mark bound to name, or Empty.
func (e *Engine) Role(name string) Mark {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markLocked(name)
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		Board:   e.board,
		PlayerX: e.playerX,
		PlayerO: e.playerO,
		Turn:    e.turn,
		State:   e.state,
		Outcome: e.outcome,
		Retries: e.retries.Size(),
	}
}

func (e *Engine) checkMoveLocked(name string, row, col int) *Rejection {
	switch {
	case !e.isPlayerLocked(name):
		return &Rejection{Reason: NotAPlayer}
	case e.playerX == "" || e.playerO == "":
		return &Rejection{Reason: WaitingForOpponent}
	case e.state == Finished:
		return &Rejection{Reason: RoundOver}
	case row < 0 || row > 2 || col < 0 || col > 2:
		return &Rejection{Reason: OutOfRange}
	case name != e.turn:
		return &Rejection{Reason: NotYourTurn}
	case e.board[row][col] != Empty:
		return &Rejection{Reason: CellTaken}
	}

	return nil
}

func (e *Engine) rejectLocked(name string, rej *Rejection) error {
	e.log.Debug("action rejected", logger.Field{Key: "user", Value: name}, logger.Field{Key: "reason", Value: rej.Error()})
	e.notify.Unicast(name, protocol.Error(rej.Error()))
	return rej
}

// startRoundLocked clears the board and hands the first move to X.
func (e *Engine) startRoundLocked() {
	e.clearLocked()
	e.state = InProgress
	e.turn = e.playerX
	e.log.Info("round started", logger.Field{Key: "x", Value: e.playerX}, logger.Field{Key: "o", Value: e.playerO})
}

// clearLocked empties the board and resets the round bookkeeping.
func (e *Engine) clearLocked() {
	for r := range e.board {
		for c := range e.board[r] {
			e.board[r][c] = Empty
		}
	}

	e.state = WaitingForPlayers
	e.outcome = NoOutcome
	e.turn = ""
	if e.playerX != "" && e.playerO == "" {
		e.turn = e.playerX
	}

	e.retries.Reset()
}

func (e *Engine) broadcastBoardLocked() {
	var cells [3][3]byte
	for r := range e.board {
		for c := range e.board[r] {
			cells[r][c] = byte(e.board[r][c])
		}
	}

	e.notify.Broadcast(protocol.Board(cells))
}

func (e *Engine) isPlayerLocked(name string) bool {
	return name != "" && (name == e.playerX || name == e.playerO)
}

func (e *Engine) markLocked(name string) Mark {
	switch {
	case name == "":
		return Empty
	case name == e.playerX:
		return MarkX
	case name == e.playerO:
		return MarkO
	default:
		return Empty
	}
}

func (e *Engine) opponentLocked(name string) string {
	if name == e.playerX {
		return e.playerO
	}

	return e.playerX
}

// lines lists the three rows, three columns and two diagonals.
var lines = [8][3][2]int{
	{{0, 0}, {0, 1}, {0, 2}},
	{{1, 0}, {1, 1}, {1, 2}},
	{{2, 0}, {2, 1}, {2, 2}},
	{{0, 0}, {1, 0}, {2, 0}},
	{{0, 1}, {1, 1}, {2, 1}},
	{{0, 2}, {1, 2}, {2, 2}},
	{{0, 0}, {1, 1}, {2, 2}},
	{{0, 2}, {1, 1}, {2, 0}},
}

func (e *Engine) wins(mark Mark) bool {
	for _, line := range lines {
		if e.board[line[0][0]][line[0][1]] == mark &&
			e.board[line[1][0]][line[1][1]] == mark &&
			e.board[line[2][0]][line[2][1]] == mark {
			return true
		}
	}

	return false
}

func (e *Engine) full() bool {
	for r := range e.board {
		for c := range e.board[r] {
			if e.board[r][c] == Empty {
				return false
			}
		}
	}

	return true
}

// Reason identifies why an action was rejected.
type Reason int

const (
	NotAPlayer Reason = iota + 1
	WaitingForOpponent
	RoundOver
	OutOfRange
	NotYourTurn
	CellTaken
	RetryNotAPlayer
	NotFinished
	RetryAlreadyRequested
)

var reasonText = map[Reason]string{
	NotAPlayer:            "You are not a Tic-Tac-Toe player.",
	WaitingForOpponent:    "Waiting for another player to join the game.",
	RoundOver:             "Game is over. Press Retry to start again.",
	OutOfRange:            "Invalid move coordinates.",
	NotYourTurn:           "Not your turn.",
	CellTaken:             "That cell is already taken.",
	RetryNotAPlayer:       "Only Tic-Tac-Toe players can retry.",
	NotFinished:           "Game is not over yet.",
	RetryAlreadyRequested: "You already requested a retry.",
}

// Rejection is the error returned for a rule violation. Its message is the
// text sent to the player.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string {
	if text, ok := reasonText[r.Reason]; ok {
		return text
	}

	return fmt.Sprintf("rejected (%d)", r.Reason)
}
