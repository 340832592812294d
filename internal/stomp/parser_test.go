package stomp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, chunks ...string) []*Frame {
	t.Helper()
	p := NewParser()
	var all []*Frame
	for _, c := range chunks {
		frames, err := p.Feed([]byte(c))
		require.NoError(t, err)
		all = append(all, frames...)
	}
	return all
}

func TestParserBasicFrame(t *testing.T) {
	frames := feedAll(t, "CONNECT\nlogin:alice\npasscode:secret\n\n\x00")
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, "CONNECT", f.Command)
	login, ok := f.Get("login")
	assert.True(t, ok)
	assert.Equal(t, "alice", login)
	pass, ok := f.Get("passcode")
	assert.True(t, ok)
	assert.Equal(t, "secret", pass)
	assert.Empty(t, f.Body)
}

func TestParserCRLF(t *testing.T) {
	frames := feedAll(t, "SEND\r\ndestination:q1\r\n\r\nhello\x00")
	require.Len(t, frames, 1)
	assert.Equal(t, "SEND", frames[0].Command)
	dest, _ := frames[0].Get("destination")
	assert.Equal(t, "q1", dest)
	assert.Equal(t, "hello", string(frames[0].Body))
}

func TestParserLeadingResync(t *testing.T) {
	frames := feedAll(t, "\r\n\x00\r\nCONNECT\n\n\x00")
	require.Len(t, frames, 1)
	assert.Equal(t, "CONNECT", frames[0].Command)
}

func TestParserOptionalSpaceAfterColon(t *testing.T) {
	frames := feedAll(t, "SEND\ndestination: q1\n\nx\x00")
	require.Len(t, frames, 1)
	v, ok := frames[0].Get("destination")
	require.True(t, ok)
	assert.Equal(t, "q1", v)
}

func TestParserMultipleFramesInOneChunk(t *testing.T) {
	frames := feedAll(t, "CONNECT\n\n\x00SEND\ndestination:q\n\nbody\x00")
	require.Len(t, frames, 2)
	assert.Equal(t, "CONNECT", frames[0].Command)
	assert.Equal(t, "SEND", frames[1].Command)
}

func TestParserSplitAcrossChunks(t *testing.T) {
	whole := "SEND\ndestination:q1\nreceipt:1\n\nhello world\x00"
	for split := 1; split < len(whole)-1; split++ {
		frames := feedAll(t, whole[:split], whole[split:])
		require.Len(t, frames, 1, "split at %d", split)
		assert.Equal(t, "SEND", frames[0].Command)
		assert.Equal(t, "hello world", string(frames[0].Body))
	}
}

func TestParserLastHeaderWins(t *testing.T) {
	frames := feedAll(t, "SEND\ndestination:a\ndestination:b\n\n\x00")
	require.Len(t, frames, 1)
	v, _ := frames[0].Get("destination")
	assert.Equal(t, "b", v)
}

func TestParserCommandTooLong(t *testing.T) {
	p := NewParser()
	_, err := p.Feed([]byte(strings.Repeat("A", MaxCommandLength+1)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParserTooManyHeaders(t *testing.T) {
	p := NewParser()
	var sb strings.Builder
	sb.WriteString("SEND\n")
	for i := 0; i <= MaxHeaders; i++ {
		sb.WriteString("h:v\n")
	}
	sb.WriteString("\n\x00")
	_, err := p.Feed([]byte(sb.String()))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParserBodyTooLarge(t *testing.T) {
	p := NewParser()
	_, err := p.Feed([]byte("SEND\n\n"))
	require.NoError(t, err)
	_, err = p.Feed([]byte(strings.Repeat("x", MaxBodyLength+1)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParserHeaderLineTooLong(t *testing.T) {
	p := NewParser()
	_, err := p.Feed([]byte("SEND\n" + strings.Repeat("x", MaxHeaderLength+1) + ":v\n\n\x00"))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		Command: "MESSAGE",
		Headers: []Header{
			H("destination", "q1"),
			H("message-id", "42"),
		},
		Body: []byte("payload"),
	}
	wire := Encode(f)

	p := NewParser()
	frames, err := p.Feed(wire)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	got := frames[0]
	assert.Equal(t, f.Command, got.Command)
	assert.Equal(t, f.Body, got.Body)
	require.Len(t, got.Headers, len(f.Headers))
	for i, h := range f.Headers {
		assert.Equal(t, h, got.Headers[i])
	}
}

func TestReceiptIDTruncation(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := AssignReceiptID(long)
	assert.Len(t, got, 64)
	assert.Equal(t, long[len(long)-64:], got)
}
