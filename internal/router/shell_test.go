package router

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteRunes(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{name: "empty", in: nil, want: 0},
		{name: "ascii", in: []byte("hello"), want: 5},
		{name: "complete two byte rune", in: []byte("h\xc3\xa9"), want: 3},
		{name: "split two byte rune", in: []byte("h\xc3"), want: 1},
		{name: "split three byte rune", in: []byte("ok\xe2\x82"), want: 2},
		{name: "split four byte rune", in: []byte("\xf0\x9f\x98"), want: 0},
		{name: "invalid bytes are passed through", in: []byte("\xff\xfe\n"), want: 3},
		{name: "stray continuation byte", in: []byte("a\xa9"), want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, completeRunes(tt.in))
		})
	}
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "short", truncateUTF8("short", 120))

	long := strings.Repeat("a", 119) + "é and more"
	got := truncateUTF8(long, maxCloseReason)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 119), got)

	exact := strings.Repeat("é", 61)
	got = truncateUTF8(exact, maxCloseReason)
	assert.Len(t, got, 120)
	assert.True(t, utf8.ValidString(got))
}

// readShellOutput collects stdout frames until want has been received.
func readShellOutput(t *testing.T, conn *websocket.Conn, want string) []int {
	t.Helper()
	var (
		types []int
		got   strings.Builder
	)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for got.Len() < len(want) {
		typ, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NotEmpty(t, msg)
		require.Equal(t, byte(channelStdout), msg[0])
		if typ == websocket.TextMessage {
			assert.True(t, utf8.Valid(msg), "text frame with invalid UTF-8: %q", msg)
		}
		types = append(types, typ)
		got.Write(msg[1:])
	}
	assert.Equal(t, want, got.String())
	return types
}

func TestRouter_ShellOutputSplitRune(t *testing.T) {
	f := newFixture(t)
	tok := f.router.Tokens().Issue("c1", "tab-1")

	conn, _, err := f.dial("/api?id=tab-1&shellToken=" + tok)
	require.NoError(t, err)
	defer conn.Close()

	// "é" is split across two writes of the shell.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("0caf\xc3")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("0\xa9\n")))

	types := readShellOutput(t, conn, "café\n")
	for _, typ := range types {
		assert.Equal(t, websocket.TextMessage, typ)
	}
}

func TestRouter_ShellBinaryOutput(t *testing.T) {
	f := newFixture(t)
	tok := f.router.Tokens().Issue("c1", "tab-1")

	conn, _, err := f.dial("/api?id=tab-1&shellToken=" + tok)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("0\xff\xfe\n")))

	types := readShellOutput(t, conn, "\xff\xfe\n")
	assert.Equal(t, []int{websocket.BinaryMessage}, types)
}
