// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package arbiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/engine"
	mlerrors "github.com/absmach/mlwm2m/pkg/errors"
	"github.com/absmach/mlwm2m/pkg/handler"
	"github.com/absmach/mlwm2m/pkg/metrics"
	"github.com/absmach/mlwm2m/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const serverPeer = "192.0.2.10:5683"

type mockTransport struct {
	mu   sync.Mutex
	sent [][]byte
	ch   chan []byte
}

func newMockTransport() *mockTransport {
	return &mockTransport{ch: make(chan []byte, 64)}
}

func (m *mockTransport) Send(_ context.Context, _ string, data []byte) error {
	m.mu.Lock()
	m.sent = append(m.sent, data)
	m.mu.Unlock()
	select {
	case m.ch <- data:
	default:
	}
	return nil
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newArbiter(t *testing.T, cfg Config, ackTimeout time.Duration) (*Arbiter, *mockTransport) {
	t.Helper()
	transport := newMockTransport()
	e := engine.New(engine.Config{
		EndpointName:  "test-ep",
		AckTimeout:    ackTimeout,
		MaxRetransmit: 1,
	}, transport, registry.New(
		registry.Server{ShortID: 1, Status: registry.StatusRegistered, Peer: serverPeer, Location: "/rd/1"},
	), &handler.NoopHandler{}, nil, nil)

	a := New(cfg, e)
	t.Cleanup(a.Shutdown)
	return a, transport
}

func TestDo(t *testing.T) {
	a, _ := newArbiter(t, Config{}, time.Second)

	var inFlight bool
	err := a.Do(context.Background(), func(e *engine.Engine) {
		inFlight = e.PushInFlight()
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if inFlight {
		t.Error("fresh engine reports a push in flight")
	}
}

func TestPushAndCancel(t *testing.T) {
	events := make(chan engine.PushEvent, 4)
	a, transport := newArbiter(t, Config{
		OnPushAck: func(ev engine.PushEvent) { events <- ev },
	}, time.Minute)
	ctx := context.Background()

	mid, err := a.Push(ctx, 1, []byte("22.5"), message.TextPlain)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if transport.count() != 1 {
		t.Fatalf("sent %d datagrams, want 1", transport.count())
	}

	if _, err := a.Push(ctx, 1, []byte("23.0"), message.TextPlain); !errors.Is(err, mlerrors.ErrPushInFlight) {
		t.Errorf("second Push() error = %v, want ErrPushInFlight", err)
	}

	if err := a.Do(ctx, func(e *engine.Engine) { e.CancelPush() }); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.MessageID != mid || ev.Verdict != engine.AckTimeout {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("push event not delivered")
	}
}

func TestRetransmissionTimer(t *testing.T) {
	events := make(chan engine.PushEvent, 1)
	a, transport := newArbiter(t, Config{
		OnPushAck: func(ev engine.PushEvent) { events <- ev },
	}, 20*time.Millisecond)

	mid, err := a.Push(context.Background(), 1, []byte("x"), message.TextPlain)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.MessageID != mid || ev.Verdict != engine.AckTimeout {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push did not time out")
	}
	if n := transport.count(); n != 2 {
		t.Errorf("sent %d datagrams, want the original and one retransmission", n)
	}
}

func TestHandlePacket(t *testing.T) {
	a, transport := newArbiter(t, Config{}, time.Second)

	req := &coap.Message{Type: message.Confirmable, Code: codes.GET, MessageID: 7, Token: []byte{1}}
	req.SetPath("/3/0")
	data, err := req.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.HandlePacket(data, serverPeer); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}

	select {
	case out := <-transport.ch:
		resp, err := coap.Parse(out)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Type != message.Acknowledgement || resp.MessageID != 7 || resp.Code != codes.Content {
			t.Errorf("response = %s", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("no response sent")
	}
}

func TestRespond(t *testing.T) {
	a, transport := newArbiter(t, Config{}, time.Minute)

	if err := a.Respond(context.Background(), 1, 40, codes.Content, []byte{9}, message.TextPlain, []byte("ok")); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if transport.count() != 1 {
		t.Errorf("sent %d datagrams, want 1", transport.count())
	}
	if err := a.Respond(context.Background(), 5, 41, codes.Content, nil, message.TextPlain, nil); !errors.Is(err, mlerrors.ErrNotFound) {
		t.Errorf("Respond() to unknown server error = %v", err)
	}
}

func TestDispatch_QueueFull(t *testing.T) {
	m := metrics.New("test", nil)
	a, _ := newArbiter(t, Config{EventChannelLength: 1, Metrics: m}, time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	if err := a.Dispatch(func(*engine.Engine) {
		close(started)
		<-release
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := a.Dispatch(func(*engine.Engine) {}); err != nil {
		t.Fatalf("Dispatch() into an empty queue error = %v", err)
	}
	if err := a.Dispatch(func(*engine.Engine) {}); !errors.Is(err, mlerrors.ErrBusy) {
		t.Errorf("Dispatch() into a full queue error = %v, want ErrBusy", err)
	}
	close(release)

	if got := testutil.ToFloat64(m.DispatchRejected); got != 1 {
		t.Errorf("DispatchRejected = %v, want 1", got)
	}
}

func TestDispatch_RecoversPanic(t *testing.T) {
	a, _ := newArbiter(t, Config{}, time.Second)

	if err := a.Dispatch(func(*engine.Engine) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := a.Do(context.Background(), func(*engine.Engine) {}); err != nil {
		t.Errorf("Do() after a panic error = %v", err)
	}
}

func TestShutdown(t *testing.T) {
	a, _ := newArbiter(t, Config{}, time.Second)
	a.Shutdown()
	a.Shutdown()

	if err := a.Dispatch(func(*engine.Engine) {}); !errors.Is(err, mlerrors.ErrClosed) {
		t.Errorf("Dispatch() after Shutdown error = %v", err)
	}
	if _, err := a.Push(context.Background(), 1, []byte("x"), message.TextPlain); !errors.Is(err, mlerrors.ErrClosed) {
		t.Errorf("Push() after Shutdown error = %v", err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	a, _ := newArbiter(t, Config{}, time.Second)

	release := make(chan struct{})
	defer close(release)
	if err := a.Dispatch(func(*engine.Engine) { <-release }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Do(ctx, func(*engine.Engine) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want DeadlineExceeded", err)
	}
}
