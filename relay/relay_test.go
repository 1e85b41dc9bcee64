package relay

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/protocol"
	"github.com/cyberinferno/duelchat/registry"
)

type sink struct {
	mu      sync.Mutex
	lines   []string
	payload bytes.Buffer
	fail    error
}

func (s *sink) SendLine(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return true
}

func (s *sink) Transfer(header string, payload *frame.Reader, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		if _, err := payload.Discard(size); err != nil {
			return err
		}

		return s.fail
	}

	s.lines = append(s.lines, header)
	_, err := payload.CopyExact(&s.payload, size)
	return err
}

type directory map[string]registry.Member

func (d directory) Lookup(name string) (registry.Member, bool) {
	m, ok := d[name]
	return m, ok
}

func TestRelay_Forward(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789abcdef\n"), 64)[:1024]
	stream := string(body) + "after\n"

	bob := &sink{}
	alice := &sink{}
	r := New(directory{"bob": bob}, 0, logger.NewNopLogger())

	src := frame.NewReader(strings.NewReader(stream), 0)
	h := protocol.FileHeader{Sender: "alice", Target: "bob", Name: "a.txt", Size: 1024}

	require.NoError(t, r.Forward("alice", alice, h, src))

	assert.Equal(t, []string{"FILE|alice|bob|a.txt|1024"}, bob.lines)
	assert.Equal(t, body, bob.payload.Bytes())
	assert.Empty(t, alice.lines)

	line, err := src.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "after", line, "line mode resumes right after the payload")
}

func TestRelay_Refused(t *testing.T) {
	tests := []struct {
		name    string
		sender  string
		header  protocol.FileHeader
		maxSize int64
		wantErr error
		reply   string
	}{
		{
			name:    "unknown target",
			sender:  "alice",
			header:  protocol.FileHeader{Sender: "alice", Target: "carol", Name: "a.txt", Size: 5},
			wantErr: ErrTargetNotFound,
			reply:   "[ERROR] Target user not found for file transfer.",
		},
		{
			name:    "too large",
			sender:  "alice",
			header:  protocol.FileHeader{Sender: "alice", Target: "bob", Name: "a.txt", Size: 5},
			maxSize: 4,
			wantErr: ErrFileTooLarge,
			reply:   "[ERROR] File too large.",
		},
		{
			name:    "sender spoofed",
			sender:  "alice",
			header:  protocol.FileHeader{Sender: "mallory", Target: "bob", Name: "a.txt", Size: 5},
			wantErr: ErrSenderMismatch,
			reply:   "[ERROR] Invalid file header.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bob, alice := &sink{}, &sink{}
			r := New(directory{"bob": bob}, tt.maxSize, logger.NewNopLogger())
			src := frame.NewReader(strings.NewReader("hello/move 1 1\n"), 0)

			err := r.Forward(tt.sender, alice, tt.header, src)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrRejected)
			assert.Equal(t, []string{tt.reply}, alice.lines)
			assert.Empty(t, bob.lines)

			line, err := src.ReadLine()
			require.NoError(t, err)
			assert.Equal(t, "/move 1 1", line, "payload drained exactly")
		})
	}
}

func TestRelay_ReceiverDropped(t *testing.T) {
	bob := &sink{fail: fmt.Errorf("%w: gone", registry.ErrUndelivered)}
	alice := &sink{}
	r := New(directory{"bob": bob}, 0, logger.NewNopLogger())
	src := frame.NewReader(strings.NewReader("abcnext\n"), 0)

	err := r.Forward("alice", alice, protocol.FileHeader{Sender: "alice", Target: "bob", Name: "x", Size: 3}, src)
	assert.ErrorIs(t, err, ErrNotDelivered)
	assert.Equal(t, []string{"[ERROR] File transfer failed."}, alice.lines)

	line, err := src.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "next", line)
}

func TestRelay_ShortSenderStream(t *testing.T) {
	bob, alice := &sink{}, &sink{}
	r := New(directory{"bob": bob}, 0, logger.NewNopLogger())
	src := frame.NewReader(strings.NewReader("only ten b"), 0)

	err := r.Forward("alice", alice, protocol.FileHeader{Sender: "alice", Target: "bob", Name: "x", Size: 100}, src)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "only ten b", bob.payload.String(), "copied so far, never padded")
}

func TestRelay_ZeroLength(t *testing.T) {
	bob, alice := &sink{}, &sink{}
	r := New(directory{"bob": bob}, 0, logger.NewNopLogger())
	src := frame.NewReader(strings.NewReader("chat\n"), 0)

	require.NoError(t, r.Forward("alice", alice, protocol.FileHeader{Sender: "alice", Target: "bob", Name: "empty", Size: 0}, src))
	assert.Equal(t, []string{"FILE|alice|bob|empty|0"}, bob.lines)
	assert.Zero(t, bob.payload.Len())

	line, err := src.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "chat", line)
}
