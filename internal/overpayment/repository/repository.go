package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/takahq/takaops/internal/overpayment/domain"
)

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, o *domain.Overpayment) error

	// ListAvailable returns the client's credits with remaining balance,
	// oldest banked first.
	ListAvailable(ctx context.Context, tx *gorm.DB, clientID snowflake.ID) ([]*domain.Overpayment, error)

	ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Overpayment, error)
	AvailableBalance(ctx context.Context, clientID snowflake.ID) (decimal.Decimal, error)

	Save(ctx context.Context, tx *gorm.DB, o *domain.Overpayment) error
	InsertApplication(ctx context.Context, tx *gorm.DB, a *domain.Application) error
	ListApplications(ctx context.Context, overpaymentID snowflake.ID) ([]*domain.Application, error)
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

func (r *repository) Insert(ctx context.Context, tx *gorm.DB, o *domain.Overpayment) error {
	return tx.WithContext(ctx).Create(o).Error
}

func (r *repository) ListAvailable(ctx context.Context, tx *gorm.DB, clientID snowflake.ID) ([]*domain.Overpayment, error) {
	var credits []*domain.Overpayment
	err := tx.WithContext(ctx).
		Where("client_id = ? AND remaining_amount > 0", clientID).
		Order("created_at ASC, id ASC").
		Find(&credits).Error
	return credits, err
}

func (r *repository) ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Overpayment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var credits []*domain.Overpayment
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&credits).Error
	return credits, err
}

func (r *repository) AvailableBalance(ctx context.Context, clientID snowflake.ID) (decimal.Decimal, error) {
	var out struct {
		Total decimal.Decimal
	}
	err := r.db.WithContext(ctx).
		Raw("SELECT COALESCE(SUM(remaining_amount), 0) AS total FROM overpayments WHERE client_id = ?", clientID).
		Scan(&out).Error
	return out.Total, err
}

func (r *repository) Save(ctx context.Context, tx *gorm.DB, o *domain.Overpayment) error {
	return tx.WithContext(ctx).
		Model(&domain.Overpayment{}).
		Where("id = ?", o.ID).
		Updates(map[string]any{
			"applied_amount":   o.AppliedAmount,
			"remaining_amount": o.RemainingAmount,
			"status":           o.Status,
			"updated_at":       time.Now().UTC(),
		}).Error
}

func (r *repository) InsertApplication(ctx context.Context, tx *gorm.DB, a *domain.Application) error {
	return tx.WithContext(ctx).Create(a).Error
}

func (r *repository) ListApplications(ctx context.Context, overpaymentID snowflake.ID) ([]*domain.Application, error) {
	var applications []*domain.Application
	err := r.db.WithContext(ctx).
		Where("overpayment_id = ?", overpaymentID).
		Order("created_at ASC, id ASC").
		Find(&applications).Error
	return applications, err
}
