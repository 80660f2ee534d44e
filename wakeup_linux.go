//go:build linux

package coros

import "golang.org/x/sys/unix"

// createWakeFd creates an eventfd used to signal the scheduler's reactor
// from a foreign thread (spec.md §4.3 "a thread-safe 'wake the loop'
// signal").
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

func writeWakeFd(fd int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// Counter already non-zero: a wake is already pending.
		return nil
	}
	return err
}

func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func closeWakeFd(fd int) error {
	return unix.Close(fd)
}
