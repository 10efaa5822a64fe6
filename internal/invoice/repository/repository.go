package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/takahq/takaops/internal/invoice/domain"
	"github.com/takahq/takaops/pkg/db"
)

// Repository persists invoices. Mutating methods take the transaction
// handle so allocation can run under one client lock.
type Repository interface {
	// Insert writes the invoice, reporting false when the client already
	// has an invoice for the same period start.
	Insert(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) (bool, error)

	FindByID(ctx context.Context, id snowflake.ID) (*domain.Invoice, error)
	FindByClientPeriod(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, periodStart time.Time) (*domain.Invoice, error)

	// ListOutstanding returns the client's fundable invoices ordered
	// oldest due date first.
	ListOutstanding(ctx context.Context, tx *gorm.DB, clientID snowflake.ID) ([]*domain.Invoice, error)

	ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Invoice, error)

	Save(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) error
	MarkEmailSent(ctx context.Context, id snowflake.ID, at time.Time) error

	// ListDueStatusStale returns invoices whose stored due status no
	// longer matches the calendar at now.
	ListDueStatusStale(ctx context.Context, now time.Time, limit int) ([]*domain.Invoice, error)
	UpdateDueStatus(ctx context.Context, id snowflake.ID, status domain.DueStatus) error
}

type Params struct {
	fx.In

	DB *gorm.DB
}

type repository struct {
	db *gorm.DB
}

func NewRepository(p Params) Repository {
	return &repository{db: p.DB}
}

func (r *repository) Insert(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(inv)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := r.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) FindByClientPeriod(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, periodStart time.Time) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := tx.WithContext(ctx).
		First(&inv, "client_id = ? AND period_start = ?", clientID, domain.Midnight(periodStart)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) ListOutstanding(ctx context.Context, tx *gorm.DB, clientID snowflake.ID) ([]*domain.Invoice, error) {
	var invoices []*domain.Invoice
	err := tx.WithContext(ctx).
		Where("client_id = ? AND payment_status IN ?", clientID,
			[]domain.PaymentStatus{domain.StatusUnpaid, domain.StatusPartiallyPaid}).
		Order("due_date ASC, id ASC").
		Find(&invoices).Error
	return invoices, err
}

func (r *repository) ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var invoices []*domain.Invoice
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("period_start DESC").
		Limit(limit).Offset(offset).
		Find(&invoices).Error
	return invoices, err
}

func (r *repository) Save(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) error {
	return tx.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ?", inv.ID).
		Updates(map[string]any{
			"amount_paid":       inv.AmountPaid,
			"remaining_balance": inv.RemainingBalance,
			"payment_status":    inv.PaymentStatus,
			"due_status":        inv.DueStatus,
			"updated_at":        time.Now().UTC(),
		}).Error
}

func (r *repository) MarkEmailSent(ctx context.Context, id snowflake.ID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"email_sent":    true,
			"email_sent_at": at,
		}).Error
}

func (r *repository) ListDueStatusStale(ctx context.Context, now time.Time, limit int) ([]*domain.Invoice, error) {
	if limit <= 0 {
		limit = 500
	}
	day := domain.Midnight(now)
	var invoices []*domain.Invoice
	err := r.db.WithContext(ctx).
		Where("payment_status IN ?", []domain.PaymentStatus{domain.StatusUnpaid, domain.StatusPartiallyPaid}).
		Where(
			"(due_status = ? AND period_end <= ?) OR (due_status = ? AND due_date < ?)",
			domain.DueUpcoming, day,
			domain.Due, day,
		).
		Order("due_date ASC").
		Limit(limit).
		Find(&invoices).Error
	return invoices, err
}

func (r *repository) UpdateDueStatus(ctx context.Context, id snowflake.ID, status domain.DueStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ?", id).
		Update("due_status", status).Error
}
