package session

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/registry"
)

func newPipeOutbox(t *testing.T, size int) (*Outbox, net.Conn, *frame.Reader) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	return NewOutbox(server, size, time.Second, logger.NewNopLogger()), client, frame.NewReader(client, 0)
}

func TestOutbox_SendLineKeepsOrder(t *testing.T) {
	out, _, fr := newPipeOutbox(t, 8)

	for _, line := range []string{"one", "two", "three"} {
		require.True(t, out.SendLine(line))
	}

	for _, want := range []string{"one", "two", "three"} {
		got, err := fr.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	out.Close()
	<-out.Done()

	_, err := fr.ReadLine()
	assert.ErrorIs(t, err, io.EOF, "close flushes and then closes the connection")
}

func TestOutbox_CloseFlushesQueued(t *testing.T) {
	out, _, fr := newPipeOutbox(t, 8)

	require.True(t, out.SendLine("[ERROR] bye"))
	out.Close()
	out.Close()
	assert.False(t, out.SendLine("late"))

	line, err := fr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "[ERROR] bye", line)

	<-out.Done()
}

func TestOutbox_FullQueueDisconnects(t *testing.T) {
	out, _, _ := newPipeOutbox(t, 1)

	dropped := false
	for i := 0; i < 10 && !dropped; i++ {
		dropped = !out.SendLine("nobody reads this")
	}

	require.True(t, dropped, "a reader that never reads must overflow a one-frame queue")

	select {
	case <-out.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop after the slow consumer was cut off")
	}

	assert.False(t, out.SendLine("after"))
}

func TestOutbox_Transfer(t *testing.T) {
	out, _, fr := newPipeOutbox(t, 8)

	body := bytes.Repeat([]byte{0, 1, 2, '\n', 0xff}, 2000)
	payload := frame.NewReader(io.MultiReader(bytes.NewReader(body), strings.NewReader("next\n")), 0)

	require.True(t, out.SendLine("before"))

	errc := make(chan error, 1)
	go func() {
		errc <- out.Transfer("FILE|alice|bob|blob.bin|10000", payload, int64(len(body)))
	}()

	line, err := fr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "before", line)

	line, err = fr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "FILE|alice|bob|blob.bin|10000", line)

	got, err := fr.ReadExact(len(body))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	require.NoError(t, <-errc)

	rest, err := payload.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "next", rest, "payload reader left at the next line")
}

func TestOutbox_TransferAfterClose(t *testing.T) {
	out, _, _ := newPipeOutbox(t, 8)
	out.Close()
	<-out.Done()

	payload := frame.NewReader(strings.NewReader("12345next\n"), 0)
	err := out.Transfer("FILE|a|b|c|5", payload, 5)
	assert.ErrorIs(t, err, ErrOutboxClosed)
	assert.ErrorIs(t, err, registry.ErrUndelivered)

	line, err := payload.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "next", line)
}

func TestOutbox_TransferToDeadPeer(t *testing.T) {
	out, client, _ := newPipeOutbox(t, 8)
	require.NoError(t, client.Close())

	payload := frame.NewReader(strings.NewReader("12345next\n"), 0)
	err := out.Transfer("FILE|a|b|c|5", payload, 5)
	assert.ErrorIs(t, err, registry.ErrUndelivered)

	line, err := payload.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "next", line, "undelivered payload is still drained exactly")
}

func TestOutbox_TransferShortPayload(t *testing.T) {
	out, _, fr := newPipeOutbox(t, 8)

	payload := frame.NewReader(strings.NewReader("abc"), 0)
	errc := make(chan error, 1)
	go func() {
		errc <- out.Transfer("FILE|a|b|c|10", payload, 10)
	}()

	line, err := fr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "FILE|a|b|c|10", line)

	got, err := fr.ReadExact(10)
	assert.Error(t, err, "receiver never gets a padded file")
	assert.Nil(t, got)

	err = <-errc
	require.Error(t, err)
	assert.NotErrorIs(t, err, registry.ErrUndelivered)
	assert.ErrorIs(t, err, frame.ErrShortStream)
	assert.False(t, out.SendLine("lost"), "nothing more is written to a desynced peer")
	<-out.Done()
}
