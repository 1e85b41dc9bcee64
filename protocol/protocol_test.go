package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Command
	}{
		{"plain chat", "hello there", Chat{Text: "hello there"}},
		{"unknown slash command is chat", "/dance now", Chat{Text: "/dance now"}},
		{"ttt without retry is chat", "/ttt start", Chat{Text: "/ttt start"}},
		{"typing with name", "/typing alice", Typing{Target: "alice"}},
		{"typing without name", "/typing", Typing{}},
		{"private message keeps spacing", "/pm bob  hi  there", PrivateMessage{Target: "bob", Text: " hi  there"}},
		{"move", "/move 1 3", Move{Row: 1, Col: 3}},
		{"move out of range still parses", "/move 4 0", Move{Row: 4, Col: 0}},
		{"retry", "/ttt retry", Retry{}},
		{"file", "FILE|alice|bob|a.txt|1024", FileTransfer{Header: FileHeader{Sender: "alice", Target: "bob", Name: "a.txt", Size: 1024}}},
		{"file name with separator", "FILE|alice|bob|report|v2.txt|20", FileTransfer{Header: FileHeader{Sender: "alice", Target: "bob", Name: "report|v2.txt", Size: 20}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		usage string
	}{
		{"move missing column", "/move 1", UsageMove},
		{"move not numeric", "/move a b", UsageMove},
		{"move too many fields", "/move 1 2 3", UsageMove},
		{"pm without text", "/pm bob", UsagePM},
		{"pm with blank text", "/pm bob   ", UsagePM},
		{"pm without target", "/pm", UsagePM},
		{"file missing size", "FILE|alice|bob|a.txt", UsageFile},
		{"file negative size", "FILE|alice|bob|a.txt|-1", UsageFile},
		{"file bad size", "FILE|alice|bob|a.txt|ten", UsageFile},
		{"file empty target", "FILE|alice||a.txt|3", UsageFile},
		{"file empty name", "FILE|alice|bob||3", UsageFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.line)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)

			var usageErr *UsageError
			require.ErrorAs(t, err, &usageErr)
			assert.Equal(t, tt.usage, usageErr.Usage)
		})
	}
}

func TestMove_Cell(t *testing.T) {
	for row := 1; row <= 3; row++ {
		for col := 1; col <= 3; col++ {
			r, c := Move{Row: row, Col: col}.Cell()
			assert.Equal(t, row-1, r)
			assert.Equal(t, col-1, c)
		}
	}
}

func TestFileHeader_String(t *testing.T) {
	h := FileHeader{Sender: "alice", Target: "bob", Name: "a.txt", Size: 1024}
	assert.Equal(t, "FILE|alice|bob|a.txt|1024", h.String())
	assert.True(t, IsFileHeader(h.String()))

	parsed, err := ParseFileHeader(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestFrames(t *testing.T) {
	assert.Equal(t, "[SERVER] hi", Server("hi"))
	assert.Equal(t, "[ERROR] nope", Error("nope"))
	assert.Equal(t, "[TYPING] alice is typing...", TypingNotice("alice"))
	assert.Equal(t, "[PM] alice: psst", Private("alice", "psst"))
	assert.Equal(t, "alice: hey", ChatLine("alice", "hey"))
	assert.Equal(t, "USERS|alice,bob,", Users([]string{"alice", "bob"}))
	assert.Equal(t, "USERS|", Users(nil))
	assert.Equal(t, "[GAME_OVER] WIN", GameOver(OutcomeWin))
	assert.Equal(t, "[RETRY_STATUS] 2", RetryStatus(2))
}

func TestBoard(t *testing.T) {
	cells := [3][3]byte{
		{'X', ' ', ' '},
		{' ', 'O', ' '},
		{' ', ' ', ' '},
	}

	line := Board(cells)
	assert.Equal(t, "[GAMEBOARD] 0,0,X;0,1, ;0,2, ;1,0, ;1,1,O;1,2, ;2,0, ;2,1, ;2,2, ;", line)

	decoded, ok := ParseBoard(line)
	require.True(t, ok)
	assert.Equal(t, cells, decoded)

	_, ok = ParseBoard("USERS|a,")
	assert.False(t, ok)
}
