//go:build linux

package coros

import (
	"sync"

	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using epoll (Linux): an fd-keyed
// map under an RWMutex, inline callback dispatch, and a version-gated poll
// so a registration change mid-syscall can't act on stale results.
type poller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
	mu       sync.RWMutex
	fds      map[int]*fdInfo
	version  int64
	closed   bool
}

type fdInfo struct {
	cb     ioCallback
	events IOEvents
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd, fds: make(map[int]*fdInfo)}, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// register adds fd to the poller with the given initial event mask (often
// zero — a disarmed poll handle, per spec.md §4.6).
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
	p.version++
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		delete(p.fds, fd)
		return err
	}
	return nil
}

// modify rearms (or disarms, with events==0) the interest mask for fd.
func (p *poller) modify(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.fds[fd]
	if !ok {
		return wrapf("poller: fd not registered", ErrClosed)
	}
	info.events = events
	p.version++
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// unregister fully removes fd from the epoll set; it does not close the
// descriptor, which Socket.Close does afterwards (spec.md §4.6 Close).
func (p *poller) unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return nil
	}
	delete(p.fds, fd)
	p.version++
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// poll blocks up to timeoutMs (or indefinitely if negative) and dispatches
// any ready fd's callback inline.
func (p *poller) poll(timeoutMs int) error {
	v := p.version
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	p.mu.RLock()
	changed := p.version != v
	p.mu.RUnlock()
	if changed {
		return nil
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		p.mu.RLock()
		info, ok := p.fds[fd]
		p.mu.RUnlock()
		if !ok || info.cb == nil {
			continue
		}
		info.cb(epollToEvents(p.eventBuf[i].Events))
	}
	return nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventErr
	}
	if e&unix.EPOLLHUP != 0 || e&unix.EPOLLRDHUP != 0 {
		events |= EventHangup
	}
	return events
}
