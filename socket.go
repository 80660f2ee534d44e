package coros

import (
	"net"

	"golang.org/x/sys/unix"
)

// Socket wraps a non-blocking OS socket descriptor whose readiness is
// coupled to its owning coroutine's suspend/resume cycle (spec.md §4.6). All
// methods must be called from the owning coroutine, on its scheduler's own
// thread; a Socket never migrates between coroutines or schedulers.
//
// Go idiom note: spec.md's BAD_SOCKET sentinel return value is expressed
// here as the usual (nil, error) pair instead of a magic descriptor value.
type Socket struct {
	fd              int
	owner           *Coroutine
	sched           *Scheduler
	closed          bool
	deadlineSeconds int
}

func newSocket(owner *Coroutine, fd int) (*Socket, error) {
	s := &Socket{fd: fd, owner: owner, sched: owner.Scheduler()}
	if err := s.sched.poller.register(fd, 0, s.onEvent); err != nil {
		_ = unix.Close(fd)
		return nil, wrapf("coros: socket poll registration failed", err)
	}
	return s, nil
}

// onEvent runs inline on the scheduler's own thread when the reactor
// observes readiness on this socket's fd, translating it into a wake of the
// owning coroutine (spec.md §4.6 WaitReadable/WaitWritable). Guarded the
// same way armOneShotTimer guards a stale timer fire: a coroutine cancelled
// out from under a pending wait (Suspend unwinds via panic before wait()
// gets to disarm the poll handle) leaves its fd registered with nothing
// left to safely resume, so a late or duplicate notification is a no-op
// instead of reaching into an already-finished coroutine.
func (s *Socket) onEvent(events IOEvents) {
	event := Readable
	switch {
	case events&EventErr != 0:
		event = PollErr
	case events&EventHangup != 0:
		event = Disconnect
	case events&EventWrite != 0 && events&EventRead == 0:
		event = Writable
	}
	c := s.owner
	if !c.tryTransitionFromWaiting(event, nil) {
		return
	}
	s.sched.moveWaitingToReady(c)
}

// resolveSockaddr performs DNS resolution inside BeginCompute/EndCompute so
// the reactor never blocks on it (spec.md §4.6 Listen).
func resolveSockaddr(owner *Coroutine, hostOrIP string, port int) (unix.Sockaddr, int, error) {
	owner.BeginCompute()
	ips, err := net.LookupIP(hostOrIP)
	owner.EndCompute()
	if err != nil {
		return nil, 0, wrapf("coros: address resolution failed", err)
	}
	if len(ips) == 0 {
		return nil, 0, wrapf("coros: no addresses found for "+hostOrIP, ErrBadSocket)
	}
	ip := ips[0]
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

// newNonblockingSocket creates a TCP socket and puts it in non-blocking,
// close-on-exec mode via fcntl, rather than the SOCK_NONBLOCK|SOCK_CLOEXEC
// flags unix.Socket accepts on Linux — Darwin's socket() call doesn't
// recognize them, so this is the one portable path across poller_linux.go
// and poller_darwin.go's platforms.
func newNonblockingSocket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Listen creates a non-blocking listening socket bound to hostOrIP:port,
// with SO_REUSEADDR, SO_REUSEPORT where available, and IPV6_V6ONLY disabled
// for IPv6 binds (spec.md §4.6 Listen).
func Listen(owner *Coroutine, hostOrIP string, port int, backlog int) (*Socket, error) {
	sa, domain, err := resolveSockaddr(owner, hostOrIP, port)
	if err != nil {
		return nil, err
	}

	fd, err := newNonblockingSocket(domain)
	if err != nil {
		return nil, wrapf("coros: socket() failed", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, wrapf("coros: SO_REUSEADDR failed", err)
	}
	// SO_REUSEPORT is not available on every kernel; spec.md only asks for
	// it "where available", so a failure here is not fatal.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if domain == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, wrapf("coros: bind failed", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, wrapf("coros: listen failed", err)
	}
	return newSocket(owner, fd)
}

// Addr returns the local address the socket is bound to. Chiefly useful
// after Listen(..., 0, ...), where the kernel picked an ephemeral port.
func (s *Socket) Addr() (string, int, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return "", 0, wrapf("coros: getsockname failed", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port, nil
	default:
		return "", 0, ErrBadSocket
	}
}

// Connect opens a non-blocking connection to hostOrIP:port, suspending once
// WAITING for WRITABLE if the kernel reports EINPROGRESS (spec.md §4.6
// Connect).
func Connect(owner *Coroutine, hostOrIP string, port int) (*Socket, error) {
	sa, domain, err := resolveSockaddr(owner, hostOrIP, port)
	if err != nil {
		return nil, err
	}

	fd, err := newNonblockingSocket(domain)
	if err != nil {
		return nil, wrapf("coros: socket() failed", err)
	}
	sock, err := newSocket(owner, fd)
	if err != nil {
		return nil, err
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return sock, nil
	}
	if err != unix.EINPROGRESS {
		_ = sock.Close()
		return nil, wrapf("coros: connect failed", err)
	}

	switch sock.WaitWritable() {
	case Writable:
		if serr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && serr != 0 {
			_ = sock.Close()
			return nil, wrapf("coros: connect failed", unix.Errno(serr))
		}
		return sock, nil
	case Timeout:
		_ = sock.Close()
		return nil, ErrTimeout
	default:
		_ = sock.Close()
		return nil, ErrDisconnect
	}
}

// Accept loops trying a non-blocking accept, suspending WAITING for
// READABLE on EWOULDBLOCK (spec.md §4.6 Accept).
func (s *Socket) Accept() (*Socket, error) {
	for {
		nfd, _, err := unix.Accept(s.fd)
		if err == nil {
			unix.CloseOnExec(nfd)
			if serr := unix.SetNonblock(nfd, true); serr != nil {
				_ = unix.Close(nfd)
				return nil, wrapf("coros: accept SetNonblock failed", serr)
			}
			return newSocket(s.owner, nfd)
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			switch s.WaitReadable() {
			case Readable:
				continue
			case Timeout:
				return nil, ErrTimeout
			default:
				return nil, ErrDisconnect
			}
		}
		return nil, wrapf("coros: accept failed", err)
	}
}

// ReadSome performs at most one successful recv: 0 means EOF, a non-nil
// error means a fatal condition, suspending WAITING for READABLE on
// EWOULDBLOCK in between (spec.md §4.6 ReadSome).
func (s *Socket) ReadSome(buf []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			switch s.WaitReadable() {
			case Readable:
				continue
			case Timeout:
				return 0, ErrTimeout
			default:
				return 0, ErrDisconnect
			}
		}
		return 0, wrapf("coros: read failed", err)
	}
}

// ReadAtLeast loops ReadSome until min bytes have accumulated. An EOF
// reached before min bytes arrive is a short read, reported as
// ErrDisconnect rather than silently returning the partial buffer as
// success (spec.md §4.6 ReadExactly/ReadAtLeast).
func (s *Socket) ReadAtLeast(buf []byte, min int) (int, error) {
	total := 0
	for total < min {
		n, err := s.ReadSome(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ErrDisconnect
		}
	}
	return total, nil
}

// ReadExactly loops ReadSome until len(buf) bytes have accumulated or
// EOF/error.
func (s *Socket) ReadExactly(buf []byte) (int, error) {
	return s.ReadAtLeast(buf, len(buf))
}

// WriteSome performs at most one successful send, suspending WAITING for
// WRITABLE on EWOULDBLOCK (spec.md §4.6 WriteSome).
func (s *Socket) WriteSome(buf []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			switch s.WaitWritable() {
			case Writable:
				continue
			case Timeout:
				return 0, ErrTimeout
			default:
				return 0, ErrDisconnect
			}
		}
		return 0, wrapf("coros: write failed", err)
	}
}

// WriteExactly loops WriteSome until everything is sent or a fatal error
// occurs (spec.md §4.6 WriteExactly).
func (s *Socket) WriteExactly(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.WriteSome(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close unregisters the poll handle, yields once so any already-dispatched
// callback referencing this fd is flushed before the descriptor is released
// (spec.md §4.6 Close is itself a suspension point), then closes the OS
// socket.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.sched.poller.unregister(s.fd)
	s.owner.Nice()
	return unix.Close(s.fd)
}

// SetDeadline stores seconds on the socket; each wait copies it onto the
// owning coroutine's deadline so the scheduler's sweep tick may wake it
// (spec.md §4.6 SetDeadline).
func (s *Socket) SetDeadline(seconds int) {
	s.deadlineSeconds = seconds
}

// WaitReadable arms the poll handle for EventRead (plus hangup/error, always
// implicit in epoll/kqueue), suspends WAITING, and disarms the handle again
// before returning — armed only while WAITING, per spec.md §4.6's invariant.
func (s *Socket) WaitReadable() WakeEvent { return s.wait(EventRead) }

// WaitWritable is WaitReadable's counterpart for EventWrite.
func (s *Socket) WaitWritable() WakeEvent { return s.wait(EventWrite) }

func (s *Socket) wait(mask IOEvents) WakeEvent {
	if s.deadlineSeconds > 0 {
		s.owner.deadline = s.deadlineSeconds
	}
	if err := s.sched.poller.modify(s.fd, mask); err != nil {
		logf(LevelError, "coros: socket poll arm failed for fd %d: %v", s.fd, err)
		return PollErr
	}
	event := s.owner.Suspend(Waiting)
	_ = s.sched.poller.modify(s.fd, 0)
	// SPEC_FULL.md "Socket deadline reset policy": a deadline applies to one
	// wait, not cumulatively across a whole read/write loop.
	s.owner.deadline = 0
	return event
}
