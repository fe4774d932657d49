// Package memory is an in-process messagebox.Repository for tests, local
// development, and single-node deployments. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/erfanmomeniii/relay/messagebox"
)

type subKey struct {
	messageID string
	consumer  string
}

// Repository keeps messages and subscriptions in maps guarded by one mutex.
type Repository struct {
	mu       sync.RWMutex
	seq      int64
	messages map[string]*messagebox.Message
	subs     map[subKey]*messagebox.Subscription
	byMsg    map[string][]string
}

var _ messagebox.Repository = (*Repository)(nil)

// New creates an empty repository.
func New() *Repository {
	return &Repository{
		messages: make(map[string]*messagebox.Message),
		subs:     make(map[subKey]*messagebox.Subscription),
		byMsg:    make(map[string][]string),
	}
}

// InsertMessage implements messagebox.Repository.
func (r *Repository) InsertMessage(ctx context.Context, m *messagebox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	m.Seq = r.seq
	stored := m.Clone()
	r.messages[m.ID] = &stored
	return nil
}

// GetMessage implements messagebox.Repository.
func (r *Repository) GetMessage(_ context.Context, id string) (*messagebox.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, messagebox.ErrMessageNotFound
	}
	c := m.Clone()
	return &c, nil
}

// ListMessages implements messagebox.Repository.
func (r *Repository) ListMessages(_ context.Context, f messagebox.Filter) ([]messagebox.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]messagebox.Message, 0)
	for _, m := range r.messages {
		if f.InterfaceName != "" && m.InterfaceName != f.InterfaceName {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListPendingFor implements messagebox.Repository.
func (r *Repository) ListPendingFor(_ context.Context, interfaceName, consumer string, limit int, newestFirst bool) ([]messagebox.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]messagebox.Message, 0)
	for _, m := range r.messages {
		if m.InterfaceName != interfaceName || m.Status != messagebox.StatusPending {
			continue
		}
		if s, ok := r.subs[subKey{m.ID, consumer}]; ok && s.Status == messagebox.StatusProcessed {
			continue
		}
		out = append(out, m.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].Seq > out[j].Seq
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetMessageStatus implements messagebox.Repository.
func (r *Repository) SetMessageStatus(_ context.Context, id string, status messagebox.Status, at time.Time, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return messagebox.ErrMessageNotFound
	}
	m.Status = status
	m.ProcessingDetails = details
	if status == messagebox.StatusProcessed {
		t := at
		m.ProcessedAt = &t
	} else {
		m.ProcessedAt = nil
	}
	return nil
}

// DeleteMessage implements messagebox.Repository.
func (r *Repository) DeleteMessage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.messages, id)
	for _, consumer := range r.byMsg[id] {
		delete(r.subs, subKey{id, consumer})
	}
	delete(r.byMsg, id)
	return nil
}

// CreateSubscription implements messagebox.Repository.
func (r *Repository) CreateSubscription(_ context.Context, s messagebox.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey{s.MessageID, s.ConsumerIdentity}
	if _, ok := r.subs[key]; ok {
		return nil
	}
	stored := s
	r.subs[key] = &stored
	r.byMsg[s.MessageID] = append(r.byMsg[s.MessageID], s.ConsumerIdentity)
	return nil
}

// MarkSubscription implements messagebox.Repository.
func (r *Repository) MarkSubscription(_ context.Context, s messagebox.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey{s.MessageID, s.ConsumerIdentity}
	existing, ok := r.subs[key]
	if ok && existing.Status == messagebox.StatusProcessed {
		return nil
	}
	if !ok {
		stored := s
		r.subs[key] = &stored
		r.byMsg[s.MessageID] = append(r.byMsg[s.MessageID], s.ConsumerIdentity)
		return nil
	}

	existing.Status = messagebox.StatusProcessed
	existing.ProcessingDetails = s.ProcessingDetails
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		existing.ProcessedAt = &t
	}
	return nil
}

// ListSubscriptions implements messagebox.Repository.
func (r *Repository) ListSubscriptions(_ context.Context, messageID string) ([]messagebox.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	consumers := r.byMsg[messageID]
	out := make([]messagebox.Subscription, 0, len(consumers))
	for _, c := range consumers {
		s := *r.subs[subKey{messageID, c}]
		if s.ProcessedAt != nil {
			t := *s.ProcessedAt
			s.ProcessedAt = &t
		}
		out = append(out, s)
	}
	return out, nil
}
