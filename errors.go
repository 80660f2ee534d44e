package coros

import "errors"

// Sentinel errors returned by boundary operations. See spec.md §7 for the
// error-handling policy these implement.
var (
	// ErrClosed is returned (possibly wrapped) by a scheduler's poller when a
	// socket is registered after the poller has closed, or when an fd is
	// registered twice or modified without being registered. SchedulerPool
	// and ComputePool operations do not return it.
	ErrClosed = errors.New("coros: closed")

	// ErrShuttingDown names a rejection during a graceful shutdown. No
	// operation in this package currently returns it.
	ErrShuttingDown = errors.New("coros: shutting down")

	// ErrBadSocket stands in for spec.md §6's BAD_SOCKET sentinel. It is
	// returned when address resolution finds no address, or when Addr sees a
	// non-IP local address. Failed socket syscalls are returned as wrapped
	// syscall errors instead.
	ErrBadSocket = errors.New("coros: bad socket")

	// ErrTimeout is returned by Socket operations when a wait is resolved by
	// a deadline instead of the awaited condition.
	ErrTimeout = errors.New("coros: timeout")

	// ErrCancelled is surfaced to callers that observe a coroutine's
	// cancellation from outside the coroutine itself (e.g. a Join on a
	// coroutine that unwound via Cancel).
	ErrCancelled = errors.New("coros: cancelled")

	// ErrDeadlock is returned when Join would create a cycle in the
	// wait-for graph of coroutines on one scheduler.
	ErrDeadlock = errors.New("coros: deadlock")

	// ErrDisconnect is returned by Socket reads/writes on peer disconnect or
	// a poll error.
	ErrDisconnect = errors.New("coros: disconnected")

	// ErrBufferTooSmall is returned by Buffer operations that request more
	// bytes than the buffer's capacity can ever hold.
	ErrBufferTooSmall = errors.New("coros: requested size exceeds buffer capacity")
)

// wrapf attaches a message to a cause while keeping it unwrappable via
// errors.Is/errors.As.
func wrapf(msg string, cause error) error {
	if cause == nil {
		return errors.New(msg)
	}
	return &wrappedError{msg: msg, cause: cause}
}

type wrappedError struct {
	msg   string
	cause error
}

func (e *wrappedError) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *wrappedError) Unwrap() error { return e.cause }
