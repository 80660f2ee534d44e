//go:build darwin

package coros

import (
	"sync"

	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using kqueue (Darwin).
type poller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	mu       sync.RWMutex
	fds      map[int]*fdInfo
	closed   bool
}

type fdInfo struct {
	cb     ioCallback
	events IOEvents
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &poller{kq: kq, fds: make(map[int]*fdInfo)}, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return unix.Close(p.kq)
}

func (p *poller) register(fd int, events IOEvents, cb ioCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; ok {
		return wrapf("poller: fd already registered", ErrClosed)
	}
	p.fds[fd] = &fdInfo{cb: cb, events: events}
	if kevs := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevs) > 0 {
		if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
			delete(p.fds, fd)
			return err
		}
	}
	return nil
}

func (p *poller) modify(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.fds[fd]
	if !ok {
		return wrapf("poller: fd not registered", ErrClosed)
	}
	old := info.events
	info.events = events
	if del := old &^ events; del != 0 {
		if kevs := eventsToKevents(fd, del, unix.EV_DELETE); len(kevs) > 0 {
			_, _ = unix.Kevent(p.kq, kevs, nil, nil)
		}
	}
	if add := events &^ old; add != 0 {
		if kevs := eventsToKevents(fd, add, unix.EV_ADD|unix.EV_ENABLE); len(kevs) > 0 {
			if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *poller) unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.fds[fd]
	if !ok {
		return nil
	}
	delete(p.fds, fd)
	if kevs := eventsToKevents(fd, info.events, unix.EV_DELETE); len(kevs) > 0 {
		_, _ = unix.Kevent(p.kq, kevs, nil, nil)
	}
	return nil
}

func (p *poller) poll(timeoutMs int) error {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{Sec: int64(timeoutMs / 1000), Nsec: int64((timeoutMs % 1000) * 1_000_000)}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		p.mu.RLock()
		info, ok := p.fds[fd]
		p.mu.RUnlock()
		if !ok || info.cb == nil {
			continue
		}
		info.cb(keventToEvents(&p.eventBuf[i]))
	}
	return nil
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if events&EventRead != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevs
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventErr
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
