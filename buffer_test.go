package coros

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pairedSocket returns a Socket bound to self's scheduler, plus the
// plain-blocking peer fd a test goroutine can drive directly with
// unix.Read/unix.Write without going through the coroutine machinery.
func pairedSocket(t *testing.T, self *Coroutine) (*Socket, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	sock, err := newSocket(self, fds[0])
	require.NoError(t, err)
	return sock, fds[1]
}

func TestBufferEnsureDataReadsThroughSocket(t *testing.T) {
	s := newTestScheduler(t)

	result := make(chan error, 1)
	var buf *Buffer
	peerReady := make(chan int, 1)
	Create(s, func(self *Coroutine) {
		sock, peerFD := pairedSocket(t, self)
		peerReady <- peerFD
		buf = NewBuffer(sock, 64)
		_, err := buf.EnsureData(5)
		result <- err
	}, nil)

	peerFD := <-peerReady
	_, err := unix.Write(peerFD, []byte("hello"))
	require.NoError(t, err)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("EnsureData never completed")
	}
	assert.Equal(t, "hello", string(buf.Bytes()))
	buf.Skip(5)
	assert.Equal(t, 0, buf.Len())
}

func TestBufferEnsureDataReportsDisconnectOnShortRead(t *testing.T) {
	s := newTestScheduler(t)

	result := make(chan error, 1)
	peerReady := make(chan int, 1)
	Create(s, func(self *Coroutine) {
		sock, peerFD := pairedSocket(t, self)
		peerReady <- peerFD
		buf := NewBuffer(sock, 64)
		_, err := buf.EnsureData(5)
		result <- err
	}, nil)

	peerFD := <-peerReady
	require.NoError(t, unix.Close(peerFD))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDisconnect)
	case <-time.After(time.Second):
		t.Fatal("EnsureData never observed the peer's disconnect")
	}
}

func TestBufferFlushWritesThroughSocket(t *testing.T) {
	s := newTestScheduler(t)

	result := make(chan error, 1)
	peerReady := make(chan int, 1)
	Create(s, func(self *Coroutine) {
		sock, peerFD := pairedSocket(t, self)
		peerReady <- peerFD
		buf := NewBuffer(sock, 64)
		space, err := buf.EnsureSpace(3)
		if err != nil {
			result <- err
			return
		}
		copy(space, "abc")
		buf.Commit(3)
		result <- buf.Flush()
	}, nil)

	peerFD := <-peerReady
	defer unix.Close(peerFD)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Flush never completed")
	}

	out := make([]byte, 3)
	n, err := unix.Read(peerFD, out)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out[:n]))
}

func TestBufferEnsureDataTooSmall(t *testing.T) {
	s := newTestScheduler(t)
	result := make(chan error, 1)
	Create(s, func(self *Coroutine) {
		sock, peerFD := pairedSocket(t, self)
		defer unix.Close(peerFD)
		buf := NewBuffer(sock, 4)
		_, err := buf.EnsureData(5)
		result <- err
	}, nil)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrBufferTooSmall)
	case <-time.After(time.Second):
		t.Fatal("EnsureData never returned")
	}
}
