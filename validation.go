package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// RecordValidator checks one source row before it is stored.
type RecordValidator func(headers []string, record map[string]string) error

// RequiredColumns rejects rows where any of cols is empty.
func RequiredColumns(cols ...string) RecordValidator {
	return func(_ []string, record map[string]string) error {
		for _, c := range cols {
			if strings.TrimSpace(record[c]) == "" {
				return &ValidationError{Field: c, Err: errors.New("value is required")}
			}
		}
		return nil
	}
}

// MaxLength rejects rows where col holds more than n characters.
func MaxLength(col string, n int) RecordValidator {
	return func(_ []string, record map[string]string) error {
		if l := utf8.RuneCountInString(record[col]); l > n {
			return &ValidationError{Field: col, Err: fmt.Errorf("length %d exceeds %d", l, n)}
		}
		return nil
	}
}

// HeadersPresent rejects rows carrying columns outside headers.
func HeadersPresent() RecordValidator {
	return func(headers []string, record map[string]string) error {
		known := make(map[string]struct{}, len(headers))
		for _, h := range headers {
			known[h] = struct{}{}
		}
		for col := range record {
			if _, ok := known[col]; !ok {
				return &ValidationError{Field: col, Err: errors.New("column not in headers")}
			}
		}
		return nil
	}
}

func validateLocator(locator string) error {
	if strings.TrimSpace(locator) == "" {
		return &ValidationError{Field: "locator", Err: ErrEmptyLocator}
	}
	return nil
}

func validateHeaders(headers []string) error {
	if len(headers) == 0 {
		return &ValidationError{Field: "headers", Err: ErrEmptyHeaders}
	}
	for i, h := range headers {
		if strings.TrimSpace(h) == "" {
			return &ValidationError{Field: "headers", Err: fmt.Errorf("header %d is blank", i)}
		}
	}
	return nil
}

// admit runs the validators and the deduplicator over source rows. Rows
// that fail validation are logged and dead-lettered; duplicates are
// dropped. It returns the accepted rows with their deduplication keys.
func (a *Adapter) admit(ctx context.Context, headers []string, records []map[string]string) ([]map[string]string, []string) {
	if len(a.config.validators) == 0 && a.config.dedup == nil {
		return records, make([]string, len(records))
	}

	accepted := make([]map[string]string, 0, len(records))
	keys := make([]string, 0, len(records))
	seenInBatch := make(map[string]struct{})

	for i, rec := range records {
		if err := a.validate(headers, rec); err != nil {
			a.logger.Warn("source record rejected", "row", i, "error", err)
			a.config.metrics.ErrorOccurred("validation")
			if a.config.dlq != nil {
				now := time.Now()
				if serr := a.config.dlq.Send(ctx, DeadLetter{
					InterfaceName: a.inst.InterfaceName,
					Consumer:      a.inst.ID,
					Locator:       a.inst.Locator,
					Headers:       headers,
					Record:        rec,
					Reason:        "rejected: " + err.Error(),
					Attempts:      1,
					FirstFailure:  now,
					LastFailure:   now,
				}); serr != nil {
					a.logger.Error("failed to dead-letter rejected record", "row", i, "error", serr)
				}
			}
			continue
		}

		var key string
		if a.config.dedup != nil {
			key = a.config.dedupKey(headers, rec)
			if _, dup := seenInBatch[key]; dup || a.config.dedup.IsDuplicate(key) {
				a.logger.Debug("duplicate source record dropped", "row", i)
				continue
			}
			seenInBatch[key] = struct{}{}
		}
		accepted = append(accepted, rec)
		keys = append(keys, key)
	}
	return accepted, keys
}

func (a *Adapter) validate(headers []string, record map[string]string) error {
	var errs []error
	for _, v := range a.config.validators {
		if err := v(headers, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// remember marks the keys of stored rows as seen.
func (a *Adapter) remember(keys []string) {
	if a.config.dedup == nil {
		return
	}
	for _, k := range keys {
		a.config.dedup.MarkSeen(k)
	}
}
