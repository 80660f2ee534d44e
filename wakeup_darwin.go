//go:build darwin

package coros

import (
	"sync"

	"golang.org/x/sys/unix"
)

// createWakeFd creates a self-pipe used to signal the scheduler's reactor
// from a foreign thread, since Darwin has no eventfd. Only the read end is
// returned; the write end is stashed in wakeWriteFds.
var (
	wakeWriteFdsMu sync.Mutex
	wakeWriteFds   = map[int]int{}
)

func createWakeFd() (int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	wakeWriteFdsMu.Lock()
	wakeWriteFds[fds[0]] = fds[1]
	wakeWriteFdsMu.Unlock()
	return fds[0], nil
}

func writeWakeFd(readFd int) error {
	wakeWriteFdsMu.Lock()
	writeFd, ok := wakeWriteFds[readFd]
	wakeWriteFdsMu.Unlock()
	if !ok {
		return nil
	}
	_, err := unix.Write(writeFd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func drainWakeFd(fd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func closeWakeFd(readFd int) error {
	wakeWriteFdsMu.Lock()
	writeFd, ok := wakeWriteFds[readFd]
	delete(wakeWriteFds, readFd)
	wakeWriteFdsMu.Unlock()
	err := unix.Close(readFd)
	if ok {
		if werr := unix.Close(writeFd); err == nil {
			err = werr
		}
	}
	return err
}
