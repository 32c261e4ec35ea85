//go:build linux || darwin || freebsd || netbsd || openbsd

package sock

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/httpbridge/internal/testutil"
)

func TestReadWouldBlockThenData(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := testutil.TCPPair(ctx, t)
	c, err := Wrap(server)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, o, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, WouldBlock, o)
	require.Zero(t, n)

	start := time.Now()
	r, err := c.Wait(Readable, 0)
	require.NoError(t, err)
	require.False(t, r.Readable)
	require.Less(t, time.Since(start), time.Second)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	r, err = c.Wait(Readable, 2*time.Second)
	require.NoError(t, err)
	require.True(t, r.Readable)

	n, o, err = c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, OK, o)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestReadClosedOnEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := testutil.TCPPair(ctx, t)
	c, err := Wrap(server)
	require.NoError(t, err)

	_, err = client.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	var got []byte
	buf := make([]byte, 16)
	for {
		r, err := c.Wait(Readable, 2*time.Second)
		require.NoError(t, err)
		require.True(t, r.Readable)

		n, o, err := c.Read(buf)
		got = append(got, buf[:n]...)
		if o == Closed {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		require.Equal(t, OK, o)
	}
	require.Equal(t, "bye", string(got))
}

func TestWriteUntilWouldBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := testutil.TCPPair(ctx, t)
	c, err := Wrap(server)
	require.NoError(t, err)

	r, err := c.Wait(Writable, time.Second)
	require.NoError(t, err)
	require.True(t, r.Writable)

	// Nobody reads client, so the send and receive buffers eventually fill.
	chunk := bytes.Repeat([]byte("x"), 64*1024)
	var written int
	for i := 0; i < 10000; i++ {
		n, o, err := c.Write(chunk)
		require.NoError(t, err)
		written += n
		if o == WouldBlock {
			break
		}
		require.Equal(t, OK, o)
	}
	require.Positive(t, written)

	r, err = c.Wait(Writable, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, r.Writable)

	// Draining the peer makes the socket writable again.
	go func() { _, _ = io.Copy(io.Discard, client) }()
	r, err = c.Wait(Writable, 2*time.Second)
	require.NoError(t, err)
	require.True(t, r.Writable)
}

func TestWriteAfterPeerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := testutil.TCPPair(ctx, t)
	c, err := Wrap(server)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	// The first write after the peer closes may succeed; the peer answers it
	// with a reset and later writes fail.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, o, _ := c.Write([]byte("data"))
		if o == Closed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("write never reported closed")
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, server := testutil.TCPPair(ctx, t)
	c, err := Wrap(server)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, o, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	require.Equal(t, Closed, o)
}

func TestPollTimeout(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{time.Microsecond, 1},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{3 * time.Second, 3000},
		{-1, -1},
	}
	for _, tt := range tests {
		if got := pollTimeout(tt.in); got != tt.want {
			t.Errorf("pollTimeout(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
