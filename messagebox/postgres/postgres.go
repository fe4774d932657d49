// Package postgres is a gorm-backed messagebox.Repository for PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/erfanmomeniii/relay/messagebox"
)

const (
	messagesTable      = "relay_messages"
	subscriptionsTable = "relay_subscriptions"
)

type messageRow struct {
	Seq                 int64      `gorm:"column:seq;primaryKey;autoIncrement"`
	ID                  string     `gorm:"column:id;size:64;uniqueIndex;not null"`
	InterfaceName       string     `gorm:"column:interface_name;size:256;index:idx_relay_messages_iface_status;not null"`
	ProducerAdapterName string     `gorm:"column:producer_adapter_name;size:256"`
	ProducerAdapterType string     `gorm:"column:producer_adapter_type;size:256"`
	ProducerInstanceID  string     `gorm:"column:producer_instance_id;size:64"`
	Headers             string     `gorm:"column:headers;type:text;not null"`
	Record              string     `gorm:"column:record;type:text;not null"`
	Status              string     `gorm:"column:status;size:16;index:idx_relay_messages_iface_status;not null"`
	CreatedAt           time.Time  `gorm:"column:created_at;not null"`
	ProcessedAt         *time.Time `gorm:"column:processed_at"`
	ProcessingDetails   string     `gorm:"column:processing_details;type:text"`
}

func (messageRow) TableName() string { return messagesTable }

type subscriptionRow struct {
	MessageID         string     `gorm:"column:message_id;size:64;primaryKey"`
	ConsumerIdentity  string     `gorm:"column:consumer_identity;size:256;primaryKey"`
	InterfaceName     string     `gorm:"column:interface_name;size:256;not null"`
	Status            string     `gorm:"column:status;size:16;not null"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	ProcessedAt       *time.Time `gorm:"column:processed_at"`
	ProcessingDetails string     `gorm:"column:processing_details;type:text"`
}

func (subscriptionRow) TableName() string { return subscriptionsTable }

// Repository implements messagebox.Repository on top of gorm.
type Repository struct {
	db *gorm.DB
}

var _ messagebox.Repository = (*Repository)(nil)

// Open connects to PostgreSQL using dsn.
func Open(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("messagebox/postgres: open: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Repository {
	if db == nil {
		panic("messagebox/postgres: db cannot be nil")
	}
	return &Repository{db: db}
}

// AutoMigrate creates the message and subscription tables when missing.
// Production schemas are provisioned externally; this serves tests and
// local runs.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&messageRow{}, &subscriptionRow{})
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertMessage implements messagebox.Repository.
func (r *Repository) InsertMessage(ctx context.Context, m *messagebox.Message) error {
	row, err := toRow(m)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("messagebox/postgres: insert message: %w", err)
	}
	m.Seq = row.Seq
	return nil
}

// GetMessage implements messagebox.Repository.
func (r *Repository) GetMessage(ctx context.Context, id string) (*messagebox.Message, error) {
	var row messageRow
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, messagebox.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("messagebox/postgres: get message: %w", err)
	}
	m, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages implements messagebox.Repository.
func (r *Repository) ListMessages(ctx context.Context, f messagebox.Filter) ([]messagebox.Message, error) {
	q := r.db.WithContext(ctx).Model(&messageRow{})
	if f.InterfaceName != "" {
		q = q.Where("interface_name = ?", f.InterfaceName)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var rows []messageRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("messagebox/postgres: list messages: %w", err)
	}
	return fromRows(rows)
}

// ListPendingFor implements messagebox.Repository.
func (r *Repository) ListPendingFor(ctx context.Context, interfaceName, consumer string, limit int, newestFirst bool) ([]messagebox.Message, error) {
	order := "seq ASC"
	if newestFirst {
		order = "seq DESC"
	}

	q := r.db.WithContext(ctx).Model(&messageRow{}).
		Where("interface_name = ? AND status = ?", interfaceName, string(messagebox.StatusPending)).
		Where("NOT EXISTS (SELECT 1 FROM "+subscriptionsTable+" s WHERE s.message_id = "+messagesTable+".id AND s.consumer_identity = ? AND s.status = ?)",
			consumer, string(messagebox.StatusProcessed)).
		Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("messagebox/postgres: list pending: %w", err)
	}
	return fromRows(rows)
}

// SetMessageStatus implements messagebox.Repository.
func (r *Repository) SetMessageStatus(ctx context.Context, id string, status messagebox.Status, at time.Time, details string) error {
	updates := map[string]any{
		"status":             string(status),
		"processing_details": details,
		"processed_at":       nil,
	}
	if status == messagebox.StatusProcessed {
		updates["processed_at"] = at
	}

	res := r.db.WithContext(ctx).Model(&messageRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("messagebox/postgres: set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return messagebox.ErrMessageNotFound
	}
	return nil
}

// DeleteMessage implements messagebox.Repository.
func (r *Repository) DeleteMessage(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&subscriptionRow{}).Error; err != nil {
			return fmt.Errorf("messagebox/postgres: delete subscriptions: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("messagebox/postgres: delete message: %w", err)
		}
		return nil
	})
}

// CreateSubscription implements messagebox.Repository.
func (r *Repository) CreateSubscription(ctx context.Context, s messagebox.Subscription) error {
	row := subscriptionRow{
		MessageID:        s.MessageID,
		ConsumerIdentity: s.ConsumerIdentity,
		InterfaceName:    s.InterfaceName,
		Status:           string(messagebox.StatusPending),
		CreatedAt:        s.CreatedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("messagebox/postgres: create subscription: %w", err)
	}
	return nil
}

// MarkSubscription implements messagebox.Repository.
func (r *Repository) MarkSubscription(ctx context.Context, s messagebox.Subscription) error {
	row := subscriptionRow{
		MessageID:         s.MessageID,
		ConsumerIdentity:  s.ConsumerIdentity,
		InterfaceName:     s.InterfaceName,
		Status:            string(messagebox.StatusProcessed),
		CreatedAt:         s.CreatedAt,
		ProcessedAt:       s.ProcessedAt,
		ProcessingDetails: s.ProcessingDetails,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "consumer_identity"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "processed_at", "processing_details"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Neq{
					Column: clause.Column{Table: subscriptionsTable, Name: "status"},
					Value:  string(messagebox.StatusProcessed),
				},
			}},
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("messagebox/postgres: mark subscription: %w", err)
	}
	return nil
}

// ListSubscriptions implements messagebox.Repository.
func (r *Repository) ListSubscriptions(ctx context.Context, messageID string) ([]messagebox.Subscription, error) {
	var rows []subscriptionRow
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("messagebox/postgres: list subscriptions: %w", err)
	}

	out := make([]messagebox.Subscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, messagebox.Subscription{
			MessageID:         row.MessageID,
			InterfaceName:     row.InterfaceName,
			ConsumerIdentity:  row.ConsumerIdentity,
			Status:            messagebox.Status(row.Status),
			CreatedAt:         row.CreatedAt,
			ProcessedAt:       row.ProcessedAt,
			ProcessingDetails: row.ProcessingDetails,
		})
	}
	return out, nil
}

func toRow(m *messagebox.Message) (messageRow, error) {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return messageRow{}, fmt.Errorf("messagebox/postgres: encode headers: %w", err)
	}
	record, err := json.Marshal(m.Record)
	if err != nil {
		return messageRow{}, fmt.Errorf("messagebox/postgres: encode record: %w", err)
	}
	return messageRow{
		ID:                  m.ID,
		InterfaceName:       m.InterfaceName,
		ProducerAdapterName: m.ProducerAdapterName,
		ProducerAdapterType: m.ProducerAdapterType,
		ProducerInstanceID:  m.ProducerInstanceID,
		Headers:             string(headers),
		Record:              string(record),
		Status:              string(m.Status),
		CreatedAt:           m.CreatedAt,
		ProcessedAt:         m.ProcessedAt,
		ProcessingDetails:   m.ProcessingDetails,
	}, nil
}

func fromRow(row messageRow) (messagebox.Message, error) {
	m := messagebox.Message{
		ID:                  row.ID,
		Seq:                 row.Seq,
		InterfaceName:       row.InterfaceName,
		ProducerAdapterName: row.ProducerAdapterName,
		ProducerAdapterType: row.ProducerAdapterType,
		ProducerInstanceID:  row.ProducerInstanceID,
		Status:              messagebox.Status(row.Status),
		CreatedAt:           row.CreatedAt,
		ProcessedAt:         row.ProcessedAt,
		ProcessingDetails:   row.ProcessingDetails,
	}
	if err := json.Unmarshal([]byte(row.Headers), &m.Headers); err != nil {
		return messagebox.Message{}, fmt.Errorf("messagebox/postgres: decode headers of %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Record), &m.Record); err != nil {
		return messagebox.Message{}, fmt.Errorf("messagebox/postgres: decode record of %s: %w", row.ID, err)
	}
	return m, nil
}

func fromRows(rows []messageRow) ([]messagebox.Message, error) {
	out := make([]messagebox.Message, 0, len(rows))
	for _, row := range rows {
		m, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
