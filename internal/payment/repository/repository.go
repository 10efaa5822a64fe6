package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/takahq/takaops/internal/payment/domain"
	"github.com/takahq/takaops/pkg/db"
)

type Repository interface {
	// Insert writes the payment, reporting false when the external
	// transaction id has been seen before.
	Insert(ctx context.Context, tx *gorm.DB, p *domain.Payment) (bool, error)

	FindByID(ctx context.Context, id snowflake.ID) (*domain.Payment, error)
	FindByExternalID(ctx context.Context, externalTransactionID string) (*domain.Payment, error)

	// ListUnallocated returns the client's payments that still carry
	// unbanked remainder, oldest received first. Payments whose
	// remainder was converted into an overpayment credit are excluded;
	// that money now lives on the credit ledger.
	ListUnallocated(ctx context.Context, tx *gorm.DB, clientID snowflake.ID) ([]*domain.Payment, error)

	ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Payment, error)

	Save(ctx context.Context, tx *gorm.DB, p *domain.Payment) error

	InsertAllocation(ctx context.Context, tx *gorm.DB, a *domain.Allocation) error
	CountAllocations(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (int64, error)
	ListAllocations(ctx context.Context, paymentID snowflake.ID) ([]*domain.Allocation, error)
	ListAllocationsForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]*domain.Allocation, error)
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

func (r *repository) Insert(ctx context.Context, tx *gorm.DB, p *domain.Payment) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_transaction_id"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Payment, error) {
	var p domain.Payment
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) FindByExternalID(ctx context.Context, externalTransactionID string) (*domain.Payment, error) {
	var p domain.Payment
	err := r.db.WithContext(ctx).
		First(&p, "external_transaction_id = ?", externalTransactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) ListUnallocated(ctx context.Context, tx *gorm.DB, clientID snowflake.ID) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	err := tx.WithContext(ctx).
		Where("client_id = ? AND remaining_amount > 0", clientID).
		Where("id NOT IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).
				Table("overpayments").
				Select("source_payment_id").
				Where("source_payment_id IS NOT NULL"),
		).
		Order("received_at ASC, id ASC").
		Find(&payments).Error
	return payments, err
}

func (r *repository) ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var payments []*domain.Payment
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("received_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&payments).Error
	return payments, err
}

func (r *repository) Save(ctx context.Context, tx *gorm.DB, p *domain.Payment) error {
	return tx.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"allocated_amount":  p.AllocatedAmount,
			"remaining_amount":  p.RemainingAmount,
			"allocation_status": p.AllocationStatus,
			"updated_at":        time.Now().UTC(),
		}).Error
}

func (r *repository) InsertAllocation(ctx context.Context, tx *gorm.DB, a *domain.Allocation) error {
	return tx.WithContext(ctx).Create(a).Error
}

func (r *repository) CountAllocations(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).
		Model(&domain.Allocation{}).
		Where("payment_id = ?", paymentID).
		Count(&n).Error
	return n, err
}

func (r *repository) ListAllocations(ctx context.Context, paymentID snowflake.ID) ([]*domain.Allocation, error) {
	var allocations []*domain.Allocation
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("position ASC").
		Find(&allocations).Error
	return allocations, err
}

func (r *repository) ListAllocationsForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]*domain.Allocation, error) {
	var allocations []*domain.Allocation
	err := r.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC, id ASC").
		Find(&allocations).Error
	return allocations, err
}
