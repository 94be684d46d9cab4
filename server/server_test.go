package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/protocol"
	"github.com/tempest-io/tempest/stream"
	"github.com/tempest-io/tempest/wire"
)

// TestMain ensures no goroutine leaks across all tests in this package.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const srvProtoID byte = 40

type numbered struct {
	Client uint32
	Seq    uint32
}

func (*numbered) ProtocolID() byte      { return srvProtoID }
func (*numbered) Type() uint16          { return 1 }
func (*numbered) Flags() protocol.Flags { return protocol.Flags{} }

func (m *numbered) WritePayload(_ *protocol.Context, w *wire.Writer) error {
	w.WriteUint32(m.Client)
	w.WriteUint32(m.Seq)
	return nil
}

func (m *numbered) ReadPayload(_ *protocol.Context, r *wire.Reader) error {
	var err error
	if m.Client, err = r.ReadUint32(); err != nil {
		return err
	}
	m.Seq, err = r.ReadUint32()
	return err
}

func srvProtocol() *protocol.Protocol {
	p := protocol.New(srvProtoID, 1)
	p.Register(1, func() protocol.Message { return &numbered{} })
	return p
}

func startServer(t *testing.T, mode ExecutionMode) (*Server, *stream.Provider) {
	t.Helper()
	provider, err := stream.NewProvider("127.0.0.1:0", []*protocol.Protocol{srvProtocol()}, nil)
	require.NoError(t, err)

	srv := New()
	srv.AddConnectionProvider(provider, mode)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv, provider
}

func dialClient(t *testing.T, provider *stream.Provider) *stream.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := stream.Dial(ctx, provider.Addr().String(), []*protocol.Protocol{srvProtocol()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGlobalOrderTotalOrder(t *testing.T) {
	const perClient = 100
	srv, provider := startServer(t, GlobalOrder)

	var inHandler atomic.Int32
	var mu sync.Mutex
	seen := make(map[uint32][]uint32)
	done := make(chan struct{})
	total := 0

	srv.OnMessage(func(ev *tempest.MessageEvent) {
		// No two handlers may ever run concurrently under GlobalOrder.
		assert.Equal(t, int32(1), inHandler.Add(1))
		defer inHandler.Add(-1)

		msg := ev.Message.(*numbered)
		mu.Lock()
		seen[msg.Client] = append(seen[msg.Client], msg.Seq)
		total++
		if total == 2*perClient {
			close(done)
		}
		mu.Unlock()
	})

	c1 := dialClient(t, provider)
	c2 := dialClient(t, provider)

	var wg sync.WaitGroup
	send := func(client *stream.Client, id uint32) {
		defer wg.Done()
		for seq := uint32(1); seq <= perClient; seq++ {
			assert.NoError(t, client.Send(context.Background(), &numbered{Client: id, Seq: seq}))
		}
	}
	wg.Add(2)
	go send(c1, 1)
	go send(c2, 2)
	wg.Wait()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("not all messages were dispatched")
	}

	// Per-connection order survives inside the total order.
	mu.Lock()
	defer mu.Unlock()
	for client, seqs := range seen {
		require.Len(t, seqs, perClient, "client %d", client)
		for i, seq := range seqs {
			assert.Equal(t, uint32(i+1), seq, "client %d position %d", client, i)
		}
	}
}

func TestGlobalOrderEventSequence(t *testing.T) {
	srv, provider := startServer(t, GlobalOrder)

	var mu sync.Mutex
	var events []string
	srv.OnConnectionMade(func(*tempest.ConnectionEvent) {
		mu.Lock()
		events = append(events, "made")
		mu.Unlock()
	})
	srv.OnMessage(func(ev *tempest.MessageEvent) {
		mu.Lock()
		events = append(events, fmt.Sprintf("msg-%d", ev.Message.(*numbered).Seq))
		mu.Unlock()
	})
	srv.OnDisconnected(func(*tempest.DisconnectEvent) {
		mu.Lock()
		events = append(events, "gone")
		mu.Unlock()
	})

	client := dialClient(t, provider)
	require.NoError(t, client.Send(context.Background(), &numbered{Seq: 1}))
	require.NoError(t, client.Send(context.Background(), &numbered{Seq: 2}))
	require.NoError(t, client.Disconnect(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"made", "msg-1", "msg-2", "gone"}, events)
}

func TestConnectionOrderDelivery(t *testing.T) {
	srv, provider := startServer(t, ConnectionOrder)

	var mu sync.Mutex
	var seqs []uint32
	srv.OnMessage(func(ev *tempest.MessageEvent) {
		mu.Lock()
		seqs = append(seqs, ev.Message.(*numbered).Seq)
		mu.Unlock()
	})

	client := dialClient(t, provider)
	for seq := uint32(1); seq <= 50; seq++ {
		require.NoError(t, client.Send(context.Background(), &numbered{Seq: seq}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 50
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seqs {
		assert.Equal(t, uint32(i+1), seq, "per-connection order broken at %d", i)
	}
}

func TestDisconnectWithReason(t *testing.T) {
	srv, provider := startServer(t, ConnectionOrder)

	conns := make(chan tempest.Connection, 1)
	srv.OnConnectionMade(func(ev *tempest.ConnectionEvent) {
		conns <- ev.Connection
	})

	client := dialClient(t, provider)
	disc := make(chan *tempest.DisconnectEvent, 1)
	client.OnDisconnected(func(ev *tempest.DisconnectEvent) { disc <- ev })

	var serverConn tempest.Connection
	select {
	case serverConn = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never surfaced")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.DisconnectWithReason(ctx, serverConn, "server is full"))

	select {
	case ev := <-disc:
		assert.Equal(t, protocol.ReasonCustom, ev.Reason)
		assert.Equal(t, "server is full", ev.CustomReason)
	case <-time.After(3 * time.Second):
		t.Fatal("client never saw the reason")
	}
}

func TestStopIdempotent(t *testing.T) {
	srv, _ := startServer(t, GlobalOrder)
	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}
