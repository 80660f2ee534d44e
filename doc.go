// Copyright 2026 The coros Authors
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package coros implements a cooperative coroutine runtime: a single-thread
// reactor (Scheduler) that multiplexes many stackful-looking goroutine-backed
// coroutines over timers, socket readiness, cross-thread posts, and a shared
// compute-offload pool.
//
// A Coroutine is created on a Scheduler with Create, runs until it reaches a
// suspension point (Wait, Nice, Join, BeginCompute, Close, or a Socket call
// that would block), and is resumed by its owning Scheduler in response to a
// wake event. Coroutines never migrate between schedulers; a SchedulerPool
// composes several schedulers, each driven by its own goroutine, and places
// new coroutines round-robin.
//
// See scheduler.go for the reactor's tick structure, coroutine.go for the
// suspend/resume contract, and socket.go for the non-blocking I/O surface
// that cooperates with it.
package coros
