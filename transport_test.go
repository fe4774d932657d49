package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/lease"
	"github.com/erfanmomeniii/relay/messagebox"
)

func newTransportCoordinator(t *testing.T, transport relay.LeasedTransport, box *messagebox.Box, opts ...relay.TransportOption) (*relay.TransportCoordinator, *lease.Tracker) {
	t.Helper()
	tracker := lease.NewTracker(lease.NewMemoryStore())
	inst := sourceInstance("queue-in", "orders")
	inst.AdapterName = "Queue"
	c, err := relay.NewTransportCoordinator(transport, inst, box, tracker, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c, tracker
}

func TestTransportCoordinator_StoresAndCompletes(t *testing.T) {
	ctx := context.Background()
	box := newBox(t, nil)
	transport := relay.NewMemoryTransport(time.Minute)
	id1 := transport.Publish([]string{"OrderId"}, row("OrderId", "A1"))
	id2 := transport.Publish([]string{"OrderId"}, row("OrderId", "A2"))

	c, tracker := newTransportCoordinator(t, transport, box, relay.WithWorkers(2))

	n, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}

	msgs, _ := box.ReadMessages(ctx, "orders")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ProducerAdapterType != "Queue" || msgs[0].ProducerInstanceID != "queue-in" {
		t.Errorf("producer = %q/%q", msgs[0].ProducerAdapterType, msgs[0].ProducerInstanceID)
	}
	if transport.Len() != 0 || transport.Completed() != 2 {
		t.Errorf("transport len=%d completed=%d", transport.Len(), transport.Completed())
	}

	for _, id := range []string{id1, id2} {
		e, err := tracker.Get(ctx, id)
		if err != nil {
			t.Fatalf("lock %s not tracked: %v", id, err)
		}
		if e.Status != lease.StatusCompleted {
			t.Errorf("lock %s status = %s, want Completed", id, e.Status)
		}
	}
}

func TestTransportCoordinator_DeadLettersInvalidDeliveries(t *testing.T) {
	ctx := context.Background()
	box := newBox(t, nil)
	transport := relay.NewMemoryTransport(time.Minute)
	id := transport.Publish(nil, row("OrderId", "A1"))

	c, tracker := newTransportCoordinator(t, transport, box)
	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	dead := transport.Dead()
	if len(dead) != 1 || dead[0].Delivery.ID != id {
		t.Fatalf("dead = %+v", dead)
	}
	e, _ := tracker.Get(ctx, id)
	if e.Status != lease.StatusDeadLettered {
		t.Errorf("lock status = %s, want DeadLettered", e.Status)
	}
	msgs, _ := box.ReadMessages(ctx, "orders")
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

// failingRepo fails every insert.
type failingRepo struct {
	messagebox.Repository
}

func (failingRepo) InsertMessage(context.Context, *messagebox.Message) error {
	return errors.New("database unavailable")
}

func TestTransportCoordinator_AbandonsOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	box := messagebox.New(failingRepo{}, messagebox.StaticRegistry{})
	transport := relay.NewMemoryTransport(time.Minute)
	id := transport.Publish([]string{"OrderId"}, row("OrderId", "A1"))

	c, tracker := newTransportCoordinator(t, transport, box, relay.WithMaxDeliveries(2))

	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	e, _ := tracker.Get(ctx, id)
	if e.Status != lease.StatusAbandoned {
		t.Errorf("lock status = %s, want Abandoned", e.Status)
	}
	if transport.Len() != 1 {
		t.Errorf("abandoned delivery must stay queued, len = %d", transport.Len())
	}

	// Redelivered: the lock is recorded again as Active, then abandoned.
	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	// Third delivery exceeds the maximum of two.
	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if dead := transport.Dead(); len(dead) != 1 {
		t.Errorf("dead = %d, want 1 after max deliveries", len(dead))
	}
}

func TestTransportCoordinator_RenewalKeepsLockAlive(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport(50 * time.Millisecond)
	id := transport.Publish([]string{"OrderId"}, row("OrderId", "A1"))

	deliveries, err := transport.Receive(ctx, 1)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Receive() = %v, %v", deliveries, err)
	}
	d := deliveries[0]

	tracker := lease.NewTracker(lease.NewMemoryStore())
	if err := tracker.RecordMessageLock(ctx, d.ID, d.LockToken, d.LockedUntil); err != nil {
		t.Fatal(err)
	}
	loop := lease.NewRenewalLoop(tracker, transport, lease.LoopConfig{Threshold: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		if res := loop.RunOnce(ctx); res.Renewed != 1 {
			t.Fatalf("pass %d renewed = %d, want 1", i, res.Renewed)
		}
	}

	if err := transport.Complete(ctx, d); err != nil {
		t.Errorf("Complete() after renewals = %v, want nil", err)
	}
	e, _ := tracker.Get(ctx, id)
	if e.RenewalCount != 3 {
		t.Errorf("RenewalCount = %d, want 3", e.RenewalCount)
	}
}

func TestMemoryTransport_LockSemantics(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport(time.Minute)
	transport.Publish([]string{"A"}, row("A", "1"))

	first, _ := transport.Receive(ctx, 10)
	if len(first) != 1 || first[0].DeliveryCount != 1 {
		t.Fatalf("first receive = %+v", first)
	}
	if again, _ := transport.Receive(ctx, 10); len(again) != 0 {
		t.Error("a locked delivery must not be handed out twice")
	}

	if err := transport.Abandon(ctx, first[0], "retry"); err != nil {
		t.Fatal(err)
	}
	second, _ := transport.Receive(ctx, 10)
	if len(second) != 1 || second[0].DeliveryCount != 2 {
		t.Fatalf("second receive = %+v", second)
	}

	if err := transport.Complete(ctx, first[0]); !errors.Is(err, relay.ErrLockLost) {
		t.Errorf("stale token Complete() = %v, want ErrLockLost", err)
	}
	if err := transport.Complete(ctx, second[0]); err != nil {
		t.Errorf("Complete() = %v", err)
	}
}

func TestTransportCoordinator_StartStop(t *testing.T) {
	box := newBox(t, nil)
	transport := relay.NewMemoryTransport(time.Minute)
	c, _ := newTransportCoordinator(t, transport, box, relay.WithIdleWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Start(ctx)
	}()

	transport.Publish([]string{"OrderId"}, row("OrderId", "late"))

	deadline := time.Now().Add(time.Second)
	for transport.Completed() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if transport.Completed() != 1 {
		t.Errorf("completed = %d, want 1", transport.Completed())
	}

	c.Stop()
	wg.Wait()
	if c.Running() {
		t.Error("coordinator should not be running after stop")
	}
}

func TestNewTransportCoordinator_RequiresSource(t *testing.T) {
	tracker := lease.NewTracker(lease.NewMemoryStore())
	_, err := relay.NewTransportCoordinator(relay.NewMemoryTransport(time.Minute),
		destinationInstance("dst", "orders"), newBox(t, nil), tracker)

	var cfgErr *relay.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected *ConfigError, got %v", err)
	}
}
