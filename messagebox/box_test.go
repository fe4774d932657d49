package messagebox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/relay/messagebox"
	"github.com/erfanmomeniii/relay/messagebox/memory"
)

var producer = messagebox.Producer{
	InterfaceName: "customers",
	AdapterName:   "CSV",
	AdapterType:   "csvblob",
	InstanceID:    "11111111-1111-1111-1111-111111111111",
}

var headers = []string{"Name", "Age", "City"}

func records(n int) []map[string]string {
	out := make([]map[string]string, n)
	for i := range out {
		out[i] = map[string]string{"Name": fmt.Sprintf("n%d", i), "Age": fmt.Sprint(20 + i), "City": "Berlin"}
	}
	return out
}

func newBox(t *testing.T, destinations ...string) (*messagebox.Box, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	reg := messagebox.StaticRegistry{"customers": destinations}
	return messagebox.New(repo, reg), repo
}

func TestWriteMessages_DebatchesInOrder(t *testing.T) {
	box, _ := newBox(t, "dest-a")
	ctx := context.Background()

	ids, err := box.WriteMessages(ctx, producer, headers, records(3))
	require.NoError(t, err)
	require.Len(t, ids, 3)

	msgs, err := box.ReadMessages(ctx, "customers", messagebox.StatusPending)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
		assert.Equal(t, fmt.Sprintf("n%d", i), m.Record["Name"])
		assert.Equal(t, messagebox.StatusPending, m.Status)
		assert.Equal(t, producer.InstanceID, m.ProducerInstanceID)
	}
}

func TestWriteMessages_EmptyInput(t *testing.T) {
	box, _ := newBox(t)
	ctx := context.Background()

	_, err := box.WriteMessages(ctx, producer, nil, records(1))
	assert.ErrorIs(t, err, messagebox.ErrHeadersRequired)

	ids, err := box.WriteMessages(ctx, producer, headers, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	msgs, err := box.ReadMessages(ctx, "customers")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWriteMessages_RecordIsCopied(t *testing.T) {
	box, _ := newBox(t)
	ctx := context.Background()

	rec := map[string]string{"Name": "a"}
	id, err := box.WriteSingleRecordMessage(ctx, producer, []string{"Name"}, rec)
	require.NoError(t, err)
	rec["Name"] = "mutated"

	m, err := box.ReadMessage(ctx, id)
	require.NoError(t, err)
	h, r := messagebox.ExtractData(*m)
	assert.Equal(t, []string{"Name"}, h)
	assert.Equal(t, "a", r["Name"])
}

type failingRepo struct {
	*memory.Repository
	failAt int
	calls  int
}

func (f *failingRepo) InsertMessage(ctx context.Context, m *messagebox.Message) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("disk full")
	}
	return f.Repository.InsertMessage(ctx, m)
}

func TestWriteMessages_PartialFailure(t *testing.T) {
	repo := &failingRepo{Repository: memory.New(), failAt: 3}
	box := messagebox.New(repo, messagebox.StaticRegistry{})

	ids, err := box.WriteMessages(context.Background(), producer, headers, records(5))
	require.Error(t, err)

	var pw *messagebox.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Len(t, pw.IDs, 2)
	assert.Equal(t, ids, pw.IDs)

	msgs, err := box.ReadMessages(context.Background(), "customers")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFanOut_PurgeWaitsForEveryDestination(t *testing.T) {
	box, _ := newBox(t, "dest-a", "dest-b")
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)

	subs, err := box.Subscriptions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "dest-a", "ok"))

	done, err := box.AreAllSubscriptionsProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	purged, err := box.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	_, err = box.ReadMessage(ctx, id)
	require.NoError(t, err)

	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "dest-b", "ok"))

	done, err = box.AreAllSubscriptionsProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	m, err := box.ReadMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, messagebox.StatusProcessed, m.Status)
	assert.NotNil(t, m.ProcessedAt)

	purged, err = box.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = box.ReadMessage(ctx, id)
	assert.ErrorIs(t, err, messagebox.ErrMessageNotFound)
}

func TestMarkSubscriptionAsProcessed_Idempotent(t *testing.T) {
	box, _ := newBox(t, "dest-a", "dest-b")
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)

	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "dest-a", "first"))
	first, err := box.Subscriptions(ctx, id)
	require.NoError(t, err)

	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "dest-a", "second"))
	second, err := box.Subscriptions(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, second, 2)
	for _, s := range second {
		if s.ConsumerIdentity == "dest-a" {
			assert.Equal(t, messagebox.StatusProcessed, s.Status)
			assert.Equal(t, "first", s.ProcessingDetails)
		}
	}
}

func TestCreateSubscription_Idempotent(t *testing.T) {
	box, _ := newBox(t)
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)

	require.NoError(t, box.CreateSubscription(ctx, id, "customers", "late"))
	require.NoError(t, box.CreateSubscription(ctx, id, "customers", "late"))

	subs, err := box.Subscriptions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestNoDestinations(t *testing.T) {
	box, _ := newBox(t)
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)

	done, err := box.AreAllSubscriptionsProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	purged, err := box.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged, "unconsumed message must survive")

	require.NoError(t, box.CompleteMessage(ctx, id, "consumed"))

	purged, err = box.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestPendingFor_OrderAndExclusion(t *testing.T) {
	box, _ := newBox(t, "dest-a", "dest-b")
	ctx := context.Background()

	ids, err := box.WriteMessages(ctx, producer, headers, records(3))
	require.NoError(t, err)

	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, ids[0], "dest-a", ""))

	pending, err := box.PendingFor(ctx, "customers", "dest-a", 0, false)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	newest, err := box.PendingFor(ctx, "customers", "dest-a", 1, true)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, ids[2], newest[0].ID)

	other, err := box.PendingFor(ctx, "customers", "dest-b", 0, false)
	require.NoError(t, err)
	assert.Len(t, other, 3)
}

func TestPendingFor_LazySubscription(t *testing.T) {
	box, _ := newBox(t)
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)

	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "unregistered", "done"))

	pending, err := box.PendingFor(ctx, "customers", "unregistered", 0, false)
	require.NoError(t, err)
	assert.Empty(t, pending)

	subs, err := box.Subscriptions(ctx, id)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, messagebox.StatusProcessed, subs[0].Status)
}

func TestConcurrentMarking(t *testing.T) {
	consumers := make([]string, 16)
	for i := range consumers {
		consumers[i] = fmt.Sprintf("dest-%d", i)
	}
	box, _ := newBox(t, consumers...)
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func(c string) {
				defer wg.Done()
				assert.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, c, "ok"))
			}(c)
		}
	}
	wg.Wait()

	subs, err := box.Subscriptions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, subs, len(consumers))

	done, err := box.AreAllSubscriptionsProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)
}

type recordingArchiver struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (a *recordingArchiver) Archive(_ context.Context, m messagebox.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.ids = append(a.ids, m.ID)
	return nil
}

func TestPurge_Archiver(t *testing.T) {
	arch := &recordingArchiver{err: errors.New("archive offline")}
	box := messagebox.New(memory.New(), messagebox.StaticRegistry{"customers": {"dest-a"}}, messagebox.WithArchiver(arch))
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)
	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "dest-a", ""))

	purged, err := box.Purge(ctx)
	assert.Error(t, err)
	assert.Zero(t, purged)

	arch.err = nil
	purged, err = box.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, []string{id}, arch.ids)
}

func TestSweeper_PurgesInBackground(t *testing.T) {
	box, repo := newBox(t, "dest-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)
	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "dest-a", ""))

	sweeper := messagebox.NewSweeper(box, 10*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- sweeper.Start(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := repo.GetMessage(ctx, id)
		return errors.Is(err, messagebox.ErrMessageNotFound)
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	assert.NoError(t, <-done)
}

func TestSweeper_ConcurrentStop(t *testing.T) {
	box, repo := newBox(t, "dest-a")
	ctx := context.Background()

	id, err := box.WriteSingleRecordMessage(ctx, producer, headers, records(1)[0])
	require.NoError(t, err)
	require.NoError(t, box.MarkSubscriptionAsProcessed(ctx, id, "dest-a", ""))

	sweeper := messagebox.NewSweeper(box, 10*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- sweeper.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := repo.GetMessage(ctx, id)
		return errors.Is(err, messagebox.ErrMessageNotFound)
	}, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Stop()
		}()
	}
	wg.Wait()
	assert.NoError(t, <-done)
	sweeper.Stop()
}

func TestWriteMessages_IDGeneratorAndRegistryFunc(t *testing.T) {
	ctx := context.Background()
	var asked []string
	reg := messagebox.RegistryFunc(func(_ context.Context, iface string) ([]string, error) {
		asked = append(asked, iface)
		return []string{"dest-a"}, nil
	})
	n := 0
	box := messagebox.New(memory.New(), reg, messagebox.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}))

	ids, err := box.WriteMessages(ctx, producer, headers, records(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1", "msg-2"}, ids)
	assert.NotEmpty(t, asked)
	assert.Equal(t, "customers", asked[0])

	subs, err := box.Subscriptions(ctx, "msg-2")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "dest-a", subs[0].ConsumerIdentity)
}
