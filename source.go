package relay

import (
	"context"
	"errors"

	"github.com/erfanmomeniii/relay/messagebox"
)

// BatchSource fetches work in batches and acknowledges what was handled.
type BatchSource[T any] interface {
	// FetchRecords retrieves the next batch. An empty slice means there is
	// nothing to do.
	FetchRecords(ctx context.Context) ([]T, error)

	// MarkAsSynced acknowledges records that were handled.
	MarkAsSynced(ctx context.Context, records []T) error
}

// pendingSource is the MessageBox seen from one destination instance:
// it fetches the messages the consumer still owes and marks their
// subscriptions with each message's ProcessingDetails.
type pendingSource struct {
	box         *messagebox.Box
	iface       string
	consumer    string
	limit       int
	newestFirst bool
}

var _ BatchSource[messagebox.Message] = (*pendingSource)(nil)

func (s *pendingSource) FetchRecords(ctx context.Context) ([]messagebox.Message, error) {
	return s.box.PendingFor(ctx, s.iface, s.consumer, s.limit, s.newestFirst)
}

// MarkAsSynced marks every record and reports the ones that failed in a
// single *MarkError.
func (s *pendingSource) MarkAsSynced(ctx context.Context, records []messagebox.Message) error {
	var errs []error
	for _, m := range records {
		if err := s.box.MarkSubscriptionAsProcessed(ctx, m.ID, s.consumer, m.ProcessingDetails); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &MarkError{Count: len(errs), Err: errors.Join(errs...)}
	}
	return nil
}
