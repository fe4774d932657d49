package relay_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/erfanmomeniii/relay"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) relay.Middleware[int] {
		return func(next relay.Applier[int]) relay.Applier[int] {
			return relay.ApplierFunc[int](func(ctx context.Context, records []int) ([]int, []int, error) {
				order = append(order, name+"-before")
				h, s, err := next.Apply(ctx, records)
				order = append(order, name+"-after")
				return h, s, err
			})
		}
	}

	base := relay.ApplierFunc[int](func(ctx context.Context, records []int) ([]int, []int, error) {
		order = append(order, "applier")
		return records, nil, nil
	})

	chained := relay.Chain(mw("first"), mw("second"))(base)
	if _, _, err := chained.Apply(context.Background(), []int{1}); err != nil {
		t.Fatal(err)
	}

	want := "first-before,second-before,applier,second-after,first-after"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestChain_Empty(t *testing.T) {
	base := relay.ApplierFunc[int](func(ctx context.Context, records []int) ([]int, []int, error) {
		return records, nil, nil
	})
	handled, _, err := relay.Chain[int]()(base).Apply(context.Background(), []int{1, 2})
	if err != nil || len(handled) != 2 {
		t.Errorf("handled=%v err=%v", handled, err)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := relay.ApplierFunc[int](func(ctx context.Context, records []int) ([]int, []int, error) {
		panic("driver exploded")
	})

	wrapped := relay.RecoveryMiddleware[int](nil)(panicking)
	handled, skipped, err := wrapped.Apply(context.Background(), []int{1, 2})

	if err == nil || !strings.Contains(err.Error(), "driver exploded") {
		t.Errorf("expected panic converted to error, got %v", err)
	}
	if handled != nil || skipped != nil {
		t.Error("a panicking batch must report nothing handled")
	}
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	ok := relay.ApplierFunc[int](func(ctx context.Context, records []int) ([]int, []int, error) {
		return records, nil, nil
	})
	handled, _, err := relay.RecoveryMiddleware[int](nil)(ok).Apply(context.Background(), []int{1, 2, 3})
	if err != nil || len(handled) != 3 {
		t.Errorf("handled=%v err=%v", handled, err)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := relay.ApplierFunc[int](func(ctx context.Context, records []int) ([]int, []int, error) {
		select {
		case <-ctx.Done():
			return records[:1], nil, ctx.Err()
		case <-time.After(time.Second):
			return records, nil, nil
		}
	})

	wrapped := relay.TimeoutMiddleware[int](20 * time.Millisecond)(slow)
	handled, _, err := wrapped.Apply(context.Background(), []int{1, 2, 3})

	if !errors.Is(err, relay.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline to stay visible, got %v", err)
	}
	if len(handled) != 1 {
		t.Errorf("handled = %d, want the row written before the deadline", len(handled))
	}
}

func TestTimeoutMiddleware_ParentCancellation(t *testing.T) {
	blocking := relay.ApplierFunc[int](func(ctx context.Context, records []int) ([]int, []int, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := relay.TimeoutMiddleware[int](time.Second)(blocking).Apply(ctx, []int{1})
	if errors.Is(err, relay.ErrTimeout) {
		t.Error("cancellation by the caller is not a timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTimeoutMiddleware_PanicsOnNonPositive(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	relay.TimeoutMiddleware[int](0)
}
