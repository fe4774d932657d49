package relay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/erfanmomeniii/relay"
)

func deadLetter(id, consumer string) relay.DeadLetter {
	now := time.Now()
	return relay.DeadLetter{
		MessageID:    id,
		Consumer:     consumer,
		Reason:       "skipped: bad value",
		Attempts:     1,
		FirstFailure: now,
		LastFailure:  now,
	}
}

func TestInMemoryDLQ_SendAndReceive(t *testing.T) {
	ctx := context.Background()
	dlq := relay.NewInMemoryDLQ(0)

	for i := 0; i < 3; i++ {
		if err := dlq.Send(ctx, deadLetter(fmt.Sprint(i), "dst")); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := dlq.Receive(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].MessageID != "0" || entries[1].MessageID != "1" {
		t.Errorf("Receive(2) = %+v, want oldest two", entries)
	}

	all, _ := dlq.Receive(ctx, 0)
	if len(all) != 3 {
		t.Errorf("Receive(0) = %d entries, want 3", len(all))
	}
	if n, _ := dlq.Count(ctx); n != 3 {
		t.Errorf("Count() = %d, want 3 (receive does not remove)", n)
	}
}

func TestInMemoryDLQ_SendUpsertsPerConsumer(t *testing.T) {
	ctx := context.Background()
	dlq := relay.NewInMemoryDLQ(0)

	first := deadLetter("m1", "dst-a")
	_ = dlq.Send(ctx, first)

	second := deadLetter("m1", "dst-a")
	second.Reason = "skipped: still bad"
	second.FirstFailure = first.FirstFailure.Add(time.Hour)
	_ = dlq.Send(ctx, second)

	_ = dlq.Send(ctx, deadLetter("m1", "dst-b"))

	entries, _ := dlq.Receive(ctx, 0)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (one per consumer)", len(entries))
	}
	e := entries[0]
	if e.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", e.Attempts)
	}
	if !e.FirstFailure.Equal(first.FirstFailure) {
		t.Error("FirstFailure must be kept from the first send")
	}
	if e.Reason != "skipped: still bad" {
		t.Errorf("Reason = %q, want latest", e.Reason)
	}
}

func TestInMemoryDLQ_Remove(t *testing.T) {
	ctx := context.Background()
	dlq := relay.NewInMemoryDLQ(0)
	_ = dlq.Send(ctx, deadLetter("m1", "dst"))

	if err := dlq.Remove(ctx, "m1", "dst"); err != nil {
		t.Fatal(err)
	}
	if err := dlq.Remove(ctx, "m1", "dst"); !errors.Is(err, relay.ErrDeadLetterNotFound) {
		t.Errorf("second Remove() = %v, want ErrDeadLetterNotFound", err)
	}
}

func TestInMemoryDLQ_MaxSize(t *testing.T) {
	ctx := context.Background()
	dlq := relay.NewInMemoryDLQ(2)

	for i := 0; i < 4; i++ {
		_ = dlq.Send(ctx, deadLetter(fmt.Sprint(i), "dst"))
	}

	entries, _ := dlq.Receive(ctx, 0)
	if len(entries) != 2 || entries[0].MessageID != "2" {
		t.Errorf("entries = %+v, want the newest two", entries)
	}
}

func TestInMemoryDLQ_Concurrent(t *testing.T) {
	ctx := context.Background()
	dlq := relay.NewInMemoryDLQ(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = dlq.Send(ctx, deadLetter(fmt.Sprint(i), "dst"))
			_, _ = dlq.Receive(ctx, 5)
		}(i)
	}
	wg.Wait()

	if n, _ := dlq.Count(ctx); n != 50 {
		t.Errorf("Count() = %d, want 50", n)
	}
}
