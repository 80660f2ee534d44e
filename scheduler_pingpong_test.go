package coros

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPingPongScenario is a bounded adaptation of the ping-pong load
// generator in original_source/examples/pingpong.cpp: several client
// coroutines each bounce a fixed payload off a shared echo server for a
// fixed number of round trips. Unlike that load generator (which runs
// until interrupted and only logs throughput), this test runs a fixed
// number of rounds and asserts the server's echoed byte count exactly
// matches what the clients sent.
func TestPingPongScenario(t *testing.T) {
	s := newTestScheduler(t)

	const numClients = 4
	const rounds = 20
	const payloadSize = 64

	var serverExits, clientExits atomic.Int32
	var serverIn, serverOut atomic.Int64

	listenErr := make(chan error, 1)
	addrCh := make(chan [2]interface{}, 1)

	Create(s, func(self *Coroutine) {
		ln, err := Listen(self, "127.0.0.1", 0, numClients+1)
		if err != nil {
			listenErr <- err
			return
		}
		host, port, err := ln.Addr()
		if err != nil {
			listenErr <- err
			return
		}
		addrCh <- [2]interface{}{host, port}

		for i := 0; i < numClients; i++ {
			conn, err := ln.Accept()
			if err != nil {
				break
			}
			Create(self.Scheduler(), func(serveSelf *Coroutine) {
				buf := make([]byte, payloadSize)
				for {
					n, rerr := conn.ReadSome(buf)
					if n > 0 {
						serverIn.Add(int64(n))
						if _, werr := conn.WriteExactly(buf[:n]); werr != nil {
							break
						}
						serverOut.Add(int64(n))
					}
					if rerr != nil {
						break
					}
				}
				_ = conn.Close()
			}, func() { serverExits.Add(1) })
		}
		_ = ln.Close()
	}, nil)

	var host string
	var port int
	select {
	case addr := <-addrCh:
		host = addr[0].(string)
		port = addr[1].(int)
	case err := <-listenErr:
		t.Fatalf("server failed to listen: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server never started listening")
	}

	clientResults := make(chan error, numClients)
	for i := 0; i < numClients; i++ {
		Create(s, func(self *Coroutine) {
			conn, err := Connect(self, host, port)
			if err != nil {
				clientResults <- err
				return
			}
			defer func() { _ = conn.Close() }()

			buf := make([]byte, payloadSize)
			for b := range buf {
				buf[b] = byte(b)
			}
			if _, err := conn.WriteExactly(buf); err != nil {
				clientResults <- err
				return
			}
			for r := 0; r < rounds; r++ {
				reply := make([]byte, payloadSize)
				if _, err := conn.ReadExactly(reply); err != nil {
					clientResults <- err
					return
				}
				if _, err := conn.WriteExactly(reply); err != nil {
					clientResults <- err
					return
				}
			}
			clientResults <- nil
		}, func() { clientExits.Add(1) })
	}

	for i := 0; i < numClients; i++ {
		select {
		case err := <-clientResults:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("ping-pong round trips never completed")
		}
	}

	require.Eventually(t, func() bool {
		return serverExits.Load() == numClients && clientExits.Load() == numClients
	}, time.Second, time.Millisecond)

	wantBytes := int64(numClients * (rounds + 1) * payloadSize)
	assert.Equal(t, wantBytes, serverIn.Load())
	assert.Equal(t, serverIn.Load(), serverOut.Load())
}
