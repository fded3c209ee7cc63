package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/broker/types"
)

func TestDispatcherDelivers(t *testing.T) {
	sink := NewChanSink(8)
	d := NewDispatcher(sink, nil)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n := New(KindBalanceChanged, "alice").WithCredits(types.Credits(7))
	if err := d.Enqueue(n); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case got := <-sink.C:
		if got.ID.String() != n.ID.String() {
			t.Fatalf("delivered id = %v, want %v", got.ID, n.ID)
		}
		if got.Kind != KindBalanceChanged || got.Credits != 7 {
			t.Fatalf("delivered notification = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	d.Stop()
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	sink := SinkFunc(func(_ context.Context, _ *Notification) error {
		if attempts.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	var sent atomic.Int32
	d := NewDispatcher(sink, nil,
		WithMaxTries(5),
		WithCallbacks(
			func(context.Context, *Notification) { sent.Add(1) },
			nil,
		),
	)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Enqueue(New(KindSessionOpened, "alice")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d.Stop()

	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
	if sent.Load() != 1 {
		t.Fatalf("sent callbacks = %d, want 1", sent.Load())
	}
}

func TestDispatcherReportsPermanentFailure(t *testing.T) {
	sinkErr := errors.New("endpoint gone")
	sink := SinkFunc(func(_ context.Context, _ *Notification) error {
		return sinkErr
	})

	var failed atomic.Int32
	d := NewDispatcher(sink, nil,
		WithMaxTries(2),
		WithCallbacks(nil, func(_ context.Context, _ *Notification, err error) {
			if errors.Is(err, sinkErr) {
				failed.Add(1)
			}
		}),
	)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Enqueue(New(KindSessionClosed, "alice")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d.Stop()

	if failed.Load() != 1 {
		t.Fatalf("failed callbacks = %d, want 1", failed.Load())
	}
}

func TestDispatcherBufferFull(t *testing.T) {
	// Never started, so nothing drains the queue.
	d := NewDispatcher(NewChanSink(1), nil, WithBuffer(2))

	if err := d.Enqueue(New(KindSessionOpened, "a")); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := d.Enqueue(New(KindSessionOpened, "b")); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if err := d.Enqueue(New(KindSessionOpened, "c")); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
}

func TestDispatcherStopTwice(t *testing.T) {
	d := NewDispatcher(NewChanSink(1), nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d.Stop()
	d.Stop()
}

func TestStartWithoutSink(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if err := d.Start(context.Background()); !errors.Is(err, ErrNoSink) {
		t.Fatalf("err = %v, want ErrNoSink", err)
	}
}
