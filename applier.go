package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/erfanmomeniii/relay/messagebox"
)

// Applier processes a batch of records.
//
// It returns the records it handled and the ones it skipped. A non-nil
// error is fatal for the rest of the batch: records in neither slice were
// not handled and stay pending.
type Applier[T any] interface {
	Apply(ctx context.Context, records []T) (handled []T, skipped []T, err error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc[T any] func(ctx context.Context, records []T) ([]T, []T, error)

// Apply implements Applier.
func (f ApplierFunc[T]) Apply(ctx context.Context, records []T) ([]T, []T, error) {
	return f(ctx, records)
}

// connectorApplier writes MessageBox messages through a Connector.
// Messages are grouped by their header list so every Write receives rows
// of one shape; groups keep the order in which they first appear.
type connectorApplier struct {
	conn     Connector
	locator  string
	throttle func(context.Context) error
}

func (c *connectorApplier) Apply(ctx context.Context, msgs []messagebox.Message) ([]messagebox.Message, []messagebox.Message, error) {
	var written, skipped []messagebox.Message

	for _, group := range groupByHeaders(msgs) {
		if err := ctx.Err(); err != nil {
			return written, skipped, err
		}
		if c.throttle != nil {
			if err := c.throttle(ctx); err != nil {
				return written, skipped, err
			}
		}

		headers := group[0].Headers
		records := make([]map[string]string, len(group))
		for i, m := range group {
			records[i] = m.Record
		}

		err := c.conn.Write(ctx, c.locator, headers, records)
		if err == nil {
			for _, m := range group {
				m.ProcessingDetails = "written to " + c.locator
				written = append(written, m)
			}
			continue
		}

		var rowErrs *RowErrors
		if !errors.As(err, &rowErrs) {
			return written, skipped, &ApplyError{Adapter: c.conn.AdapterName(), Err: err}
		}

		if rowErrs.Aborted {
			first := rowErrs.FirstIndex()
			for _, m := range group[:max(first, 0)] {
				m.ProcessingDetails = "written to " + c.locator
				written = append(written, m)
			}
			return written, skipped, &ApplyError{Adapter: c.conn.AdapterName(), Err: err}
		}

		for i, m := range group {
			if cause, failed := rowErrs.Failed(i); failed {
				m.ProcessingDetails = "skipped: " + cause.Error()
				skipped = append(skipped, m)
				continue
			}
			m.ProcessingDetails = "written to " + c.locator
			written = append(written, m)
		}
	}
	return written, skipped, nil
}

func groupByHeaders(msgs []messagebox.Message) [][]messagebox.Message {
	var order []string
	groups := make(map[string][]messagebox.Message)
	for _, m := range msgs {
		key := strings.Join(m.Headers, "\x1f")
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}
	out := make([][]messagebox.Message, len(order))
	for i, key := range order {
		out[i] = groups[key]
	}
	return out
}
