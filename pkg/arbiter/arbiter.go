// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package arbiter owns an engine.Engine on a single scheduler goroutine.
//
// Other goroutines hand work to the engine with Dispatch, which never
// blocks, or with the synchronous helpers, which wait for the result.
// After every dispatched function the arbiter re-arms the retransmission
// timer from the engine's Tick and delivers queued push events.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"github.com/absmach/mlwm2m/pkg/engine"
	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/absmach/mlwm2m/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultEventChannelLength is the dispatch queue length.
const DefaultEventChannelLength uint16 = 1024

// Config holds the arbiter configuration.
type Config struct {
	EventChannelLength uint16
	// LogDebug enables scheduler debug logs and per-event timings.
	LogDebug bool
	// OnPushAck receives push events on the arbiter goroutine.
	OnPushAck engine.PushAckFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type event struct {
	f  func(*engine.Engine)
	t0 time.Time
}

func (e *event) reset() {
	e.f = nil
	e.t0 = time.Time{}
}

// Arbiter serializes access to an engine.
type Arbiter struct {
	cfg     Config
	engine  *engine.Engine
	s       *scheduler.Scheduler[Group]
	eventpl sync.Pool
	eventch chan *event

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}

	// armed is the retransmission deadline, zero when no timer is set.
	// Scheduler goroutine only.
	armed time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New starts the scheduler goroutine and transfers ownership of e to it.
// e must not be used directly afterwards.
func New(cfg Config, e *engine.Engine) *Arbiter {
	if cfg.EventChannelLength == 0 {
		cfg.EventChannelLength = DefaultEventChannelLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", nil)
	}
	if cfg.OnPushAck != nil {
		e.SetPushAckCallback(cfg.OnPushAck)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Arbiter{
		cfg:    cfg,
		engine: e,
		s: scheduler.NewScheduler[Group](
			&scheduler.Options{
				EventChannelLength: cfg.EventChannelLength,
				LogPrefix:          "Arbiter",
				LogDebug:           cfg.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return &event{}
			},
		},
		eventch: make(chan *event, cfg.EventChannelLength),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[Group], _ *scheduler.AsyncVariant[Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[Group], v *scheduler.AsyncVariant[Group]) {
					a.logger.Debug("event channel released", slog.Uint64("select_count", uint64(v.SelectCount)))
				},
			),
		},
	)

	a.s.RunAsync()

	return a
}

// Shutdown stops the scheduler goroutine and waits for it. Pending
// dispatched functions are discarded.
func (a *Arbiter) Shutdown() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	a.cancel()
	a.s.Shutdown()
	close(a.done)
}

// Dispatch queues f to run on the arbiter goroutine. It never blocks: a
// full queue yields ErrBusy and a stopped arbiter ErrClosed.
func (a *Arbiter) Dispatch(f func(*engine.Engine)) error {
	if a.closed.Load() {
		a.metrics.DispatchRejected.Inc()
		return errors.ErrClosed
	}

	evt := a.eventpl.Get().(*event)
	evt.f = f
	evt.t0 = time.Now()

	select {
	case a.eventch <- evt:
		return nil
	default:
		evt.reset()
		a.eventpl.Put(evt)
		a.metrics.DispatchRejected.Inc()
		a.logger.Warn("dispatch queue full", slog.Int("capacity", int(a.cfg.EventChannelLength)))
		return errors.ErrBusy
	}
}

// Do runs f on the arbiter goroutine and waits for it to return.
func (a *Arbiter) Do(ctx context.Context, f func(*engine.Engine)) error {
	finished := make(chan struct{})
	if err := a.Dispatch(func(e *engine.Engine) {
		defer close(finished)
		f(e)
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-a.done:
		return errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePacket queues a received datagram.
func (a *Arbiter) HandlePacket(data []byte, peer string) error {
	return a.Dispatch(func(e *engine.Engine) {
		e.HandlePacket(a.ctx, data, peer)
	})
}

// CloseSession queues the release of every engine state bound to peer.
func (a *Arbiter) CloseSession(peer string) error {
	return a.Dispatch(func(e *engine.Engine) {
		e.CloseSession(peer)
	})
}

// Push starts a data push and returns the message id of its first block.
// Its outcome is reported to Config.OnPushAck.
func (a *Arbiter) Push(ctx context.Context, shortID uint16, payload []byte, contentFormat message.MediaType) (uint16, error) {
	var (
		mid uint16
		err error
	)
	if derr := a.Do(ctx, func(e *engine.Engine) {
		mid, err = e.DataPush(a.ctx, shortID, payload, contentFormat)
	}); derr != nil {
		return 0, fmt.Errorf("push to server %d: %w", shortID, derr)
	}
	return mid, err
}

// Respond sends a separate response to an application request.
func (a *Arbiter) Respond(ctx context.Context, shortID, mid uint16, code codes.Code, token []byte, contentFormat message.MediaType, payload []byte) error {
	var err error
	if derr := a.Do(ctx, func(e *engine.Engine) {
		err = e.AsyncResponse(a.ctx, shortID, mid, code, token, contentFormat, payload)
	}); derr != nil {
		return fmt.Errorf("respond to server %d: %w", shortID, derr)
	}
	return err
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		a.logger.Error("unexpected event", slog.Any("event", recv))
		return
	}
	defer func() {
		evt.reset()
		a.eventpl.Put(evt)
	}()

	t1 := time.Now()
	a.run(evt.f)
	a.reschedule()
	a.engine.DeliverEvents()

	if a.cfg.LogDebug {
		t2 := time.Now()
		a.logger.Debug("event handled",
			slog.Int64("queue_wait_us", t1.Sub(evt.t0).Microseconds()),
			slog.Int64("elapsed_us", t2.Sub(t1).Microseconds()))
	}
}

// scheduler goroutine
func (a *Arbiter) run(f func(*engine.Engine)) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("dispatched function panicked", slog.Any("panic", rec))
		}
	}()
	f(a.engine)
}

// reschedule drives the engine's retransmissions and keeps one timer
// armed at the next deadline.
//
// scheduler goroutine
func (a *Arbiter) reschedule() {
	next := a.engine.Tick(a.ctx)
	if next <= 0 {
		a.disarm()
		return
	}

	due := time.Now().Add(next)
	if !a.armed.IsZero() && !due.Before(a.armed) {
		return
	}
	a.disarm()
	a.armed = due

	a.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupRetransmit},
				next,
				func() {
					// invoked on arbiter goroutine
					a.armed = time.Time{}
					a.reschedule()
					a.engine.DeliverEvents()
				},
				nil,
			),
		},
	)
}

// scheduler goroutine
func (a *Arbiter) disarm() {
	if a.armed.IsZero() {
		return
	}
	a.armed = time.Time{}
	a.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{
			Group: GroupRetransmit,
		},
	)
}
