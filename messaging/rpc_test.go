package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, msg Delivery, r Responder) {
	_ = r.Respond(msg.Body)
}

func newTestRPCClient(t *testing.T, conn *Connection, options ...RPCClientOption) *RPCClient {
	t.Helper()

	client, err := NewRPCClient(conn, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestRPCServer(t *testing.T, conn *Connection, queue string, handler RPCHandler, options ...RPCServerOption) *RPCServer {
	t.Helper()

	server, err := NewRPCServer(conn, queue, handler, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func waitReady(t *testing.T, client *RPCClient) {
	t.Helper()

	select {
	case <-client.Ready():
	case <-time.After(time.Second):
		t.Fatal("reply queue not ready")
	}
}

func TestRPCEcho(t *testing.T) {
	broker := newFakeBroker()
	conn := newTestConnection(t, broker)
	newTestRPCServer(t, conn, "rpc.echo", echoHandler)
	client := newTestRPCClient(t, conn)
	require.Eventually(t, func() bool { return broker.consumerCount("rpc.echo") == 1 }, time.Second, time.Millisecond)

	reply, err := client.Publish(context.Background(), "rpc.echo", map[string]int{"n": 1}, time.Second)
	require.NoError(t, err)

	var body map[string]int
	require.NoError(t, json.Unmarshal(reply.Body, &body))
	assert.Equal(t, map[string]int{"n": 1}, body)
	assert.NotEmpty(t, reply.CorrelationID)
	assert.Zero(t, client.Pending())

	q, ok := broker.queue("rpc.echo")
	require.True(t, ok)
	assert.False(t, q.options.Durable)

	server := q.consumers[0].ch
	require.Eventually(t, func() bool {
		acks, _, _ := server.settled()
		return acks == 1
	}, time.Second, time.Millisecond)
	server.mu.Lock()
	assert.Equal(t, 1, server.prefetch)
	server.mu.Unlock()
}

func TestRPCClient(t *testing.T) {
	t.Run("times out without a server", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())
		client := newTestRPCClient(t, conn)

		start := time.Now()
		_, err := client.Request(context.Background(), "rpc.missing", []byte("ping"), 100*time.Millisecond)

		assert.ErrorIs(t, err, ErrRPCTimeout)
		var timeout *RPCTimeoutError
		require.True(t, errors.As(err, &timeout))
		assert.Equal(t, "rpc.missing", timeout.RPC)
		assert.Equal(t, 100*time.Millisecond, timeout.Timeout)
		assert.NotEmpty(t, timeout.CorrelationID)
		assert.Less(t, time.Since(start), time.Second)
		assert.Zero(t, client.Pending())
	})

	t.Run("uses the default timeout", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())
		client := newTestRPCClient(t, conn, WithRPCTimeout(50*time.Millisecond))

		_, err := client.Request(context.Background(), "rpc.missing", nil, 0)

		var timeout *RPCTimeoutError
		require.True(t, errors.As(err, &timeout))
		assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	})

	t.Run("isolates concurrent timeouts", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)
		newTestRPCServer(t, conn, "rpc.slow", func(ctx context.Context, msg Delivery, r Responder) {
			time.Sleep(200 * time.Millisecond)
			_ = r.Respond(msg.Body)
		})
		client := newTestRPCClient(t, conn)
		waitReady(t, client)
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.slow") == 1 }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		var shortErr, longErr error
		var longReply Delivery
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, shortErr = client.Request(context.Background(), "rpc.slow", []byte("short"), 100*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			longReply, longErr = client.Request(context.Background(), "rpc.slow", []byte("long"), 2*time.Second)
		}()
		wg.Wait()

		assert.ErrorIs(t, shortErr, ErrRPCTimeout)
		require.NoError(t, longErr)
		assert.Equal(t, "long", string(longReply.Body))
		assert.Zero(t, client.Pending())
	})

	t.Run("routes replies by correlation id", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)
		newTestRPCServer(t, conn, "rpc.echo", echoHandler)
		client := newTestRPCClient(t, conn)
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.echo") == 1 }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				body := fmt.Sprintf("call-%d", i)
				reply, err := client.Request(context.Background(), "rpc.echo", []byte(body), time.Second)
				if assert.NoError(t, err) {
					assert.Equal(t, body, string(reply.Body))
				}
			}(i)
		}
		wg.Wait()

		assert.Zero(t, client.Pending())
	})

	t.Run("sends once the connection is up", func(t *testing.T) {
		broker := newFakeBroker()
		broker.declare("rpc.echo")
		release := broker.hold()
		conn := newTestConnection(t, broker)
		client := newTestRPCClient(t, conn)
		newTestRPCServer(t, conn, "rpc.echo", echoHandler)

		done := make(chan error, 1)
		go func() {
			_, err := client.Request(context.Background(), "rpc.echo", []byte("early"), time.Second)
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, client.Pending())
		release()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("call did not complete")
		}
	})

	t.Run("drops unknown and missing correlation ids", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())
		client := newTestRPCClient(t, conn)

		call := client.calls.register("rpc.echo", time.Second)
		defer client.calls.remove(call.id)

		client.handleReply("amq.gen-1", Delivery{CorrelationID: "unknown", Body: []byte("x")})
		client.handleReply("amq.gen-1", Delivery{Body: []byte("x")})

		assert.Equal(t, 1, client.Pending())
		select {
		case <-call.done:
			t.Fatal("call settled by a foreign reply")
		default:
		}

		client.handleReply("amq.gen-1", Delivery{CorrelationID: call.id, Body: []byte("ok")})
		<-call.done
		assert.Equal(t, "ok", string(call.reply.Body))
		assert.Zero(t, client.Pending())
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())
		client := newTestRPCClient(t, conn)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := client.Request(ctx, "rpc.missing", nil, time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, client.Pending())
	})

	t.Run("close fails pending calls", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())
		client := newTestRPCClient(t, conn)
		waitReady(t, client)

		done := make(chan error, 1)
		go func() {
			_, err := client.Request(context.Background(), "rpc.missing", nil, time.Minute)
			done <- err
		}()
		require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, client.Close())
		assert.ErrorIs(t, <-done, ErrClientClosed)

		_, err := client.Request(context.Background(), "rpc.missing", nil, time.Second)
		assert.ErrorIs(t, err, ErrClientClosed)
	})

	t.Run("gets a new reply queue after reconnecting", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)
		newTestRPCServer(t, conn, "rpc.echo", echoHandler)
		client := newTestRPCClient(t, conn)
		waitReady(t, client)
		first := client.session().queue

		broker.lastSession().kill(errors.New("connection reset"))
		require.Eventually(t, func() bool {
			rs := client.session()
			select {
			case <-rs.ready:
				return rs.queue != first
			default:
				return false
			}
		}, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.echo") == 1 }, time.Second, time.Millisecond)

		reply, err := client.Request(context.Background(), "rpc.echo", []byte("again"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "again", string(reply.Body))
	})
}

func TestRPCServer(t *testing.T) {
	t.Run("validates arguments", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())

		tests := []struct {
			name    string
			conn    *Connection
			queue   string
			handler RPCHandler
			field   string
		}{
			{name: "connection", conn: nil, queue: "q", handler: echoHandler, field: "connection"},
			{name: "queue", conn: conn, queue: "", handler: echoHandler, field: "queue"},
			{name: "handler", conn: conn, queue: "q", handler: nil, field: "handler"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				server, err := NewRPCServer(tt.conn, tt.queue, tt.handler)
				assert.Nil(t, server)

				var cfgErr *ConfigurationError
				require.True(t, errors.As(err, &cfgErr))
				assert.Equal(t, tt.field, cfgErr.Field)
			})
		}
	})

	t.Run("responding twice fails", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)
		second := make(chan error, 1)
		newTestRPCServer(t, conn, "rpc.twice", func(ctx context.Context, msg Delivery, r Responder) {
			_ = r.Respond([]byte("one"))
			second <- r.Respond([]byte("two"))
		})
		client := newTestRPCClient(t, conn)
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.twice") == 1 }, time.Second, time.Millisecond)

		reply, err := client.Request(context.Background(), "rpc.twice", nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "one", string(reply.Body))
		assert.ErrorIs(t, <-second, ErrAlreadyResponded)
	})

	t.Run("request without reply-to is acked", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)
		result := make(chan error, 1)
		newTestRPCServer(t, conn, "rpc.oneway", func(ctx context.Context, msg Delivery, r Responder) {
			result <- r.RespondJSON(map[string]bool{"ok": true})
		})
		client := newTestClient(t, conn)
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.oneway") == 1 }, time.Second, time.Millisecond)

		require.NoError(t, client.Publish(func(ctx context.Context, ch Channel) error {
			return ch.Publish(ctx, "", "rpc.oneway", Publishing{Body: []byte("{}")})
		}))

		var protoErr *ProtocolError
		require.True(t, errors.As(<-result, &protoErr))
		assert.Equal(t, "rpc.oneway", protoErr.Queue)

		q, _ := broker.queue("rpc.oneway")
		acks, _, _ := q.consumers[0].ch.settled()
		assert.Equal(t, 1, acks)
	})

	t.Run("recovers from a panicking handler", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)
		var calls int
		var mu sync.Mutex
		newTestRPCServer(t, conn, "rpc.panic", func(ctx context.Context, msg Delivery, r Responder) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				panic("boom")
			}
			_ = r.Respond(msg.Body)
		})
		client := newTestRPCClient(t, conn)
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.panic") == 1 }, time.Second, time.Millisecond)

		_, err := client.Request(context.Background(), "rpc.panic", []byte("first"), 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrRPCTimeout)

		reply, err := client.Request(context.Background(), "rpc.panic", []byte("second"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "second", string(reply.Body))

		q, _ := broker.queue("rpc.panic")
		acks, _, rejects := q.consumers[0].ch.settled()
		assert.Equal(t, 1, acks)
		assert.Equal(t, 1, rejects)
	})

	t.Run("setup failure cycles the connection", func(t *testing.T) {
		broker := newFakeBroker()
		broker.declareErr = errors.New("PRECONDITION_FAILED - inequivalent arg 'durable'")
		conn := newTestConnection(t, broker)

		newTestRPCServer(t, conn, "rpc.broken", echoHandler)
		require.Eventually(t, func() bool { return broker.dials.Load() >= 2 }, time.Second, time.Millisecond)

		broker.mu.Lock()
		broker.declareErr = nil
		broker.mu.Unlock()
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.broken") == 1 }, time.Second, time.Millisecond)
	})

	t.Run("shutdown during setup is ignored", func(t *testing.T) {
		broker := newFakeBroker()
		broker.channelErr = fmt.Errorf("channel: %w", ErrTransportClosed)
		conn := newTestConnection(t, broker)

		newTestRPCServer(t, conn, "rpc.echo", echoHandler)
		require.Eventually(t, func() bool { return conn.State() == StateConnected }, time.Second, time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), broker.dials.Load())
		assert.Equal(t, StateConnected, conn.State())
	})

	t.Run("durable queue option", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)

		newTestRPCServer(t, conn, "rpc.durable", echoHandler, WithDurableQueue(true), WithPrefetch(5))
		require.Eventually(t, func() bool { return broker.consumerCount("rpc.durable") == 1 }, time.Second, time.Millisecond)

		q, _ := broker.queue("rpc.durable")
		assert.True(t, q.options.Durable)
		ch := q.consumers[0].ch
		ch.mu.Lock()
		assert.Equal(t, 5, ch.prefetch)
		ch.mu.Unlock()
	})
}
