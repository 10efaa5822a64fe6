package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/takahq/takaops/internal/client/domain"
	"github.com/takahq/takaops/pkg/db"
)

// Repository is the data access surface for clients. Methods that join a
// larger transaction take the transaction handle explicitly.
type Repository interface {
	Create(ctx context.Context, client *domain.Client) error
	FindByID(ctx context.Context, id snowflake.ID) (*domain.Client, error)
	FindByAccountNumber(ctx context.Context, accountNumber string) (*domain.Client, error)
	ListActiveBillable(ctx context.Context) ([]*domain.Client, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Client, error)

	// Lock takes a row lock on the client inside tx. Every allocation
	// touching the client's ledger serializes on this lock.
	Lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
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

func (r *repository) Create(ctx context.Context, client *domain.Client) error {
	err := r.db.WithContext(ctx).Create(client).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrDuplicateClient
	}
	return err
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Client, error) {
	var client domain.Client
	err := r.db.WithContext(ctx).First(&client, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (r *repository) FindByAccountNumber(ctx context.Context, accountNumber string) (*domain.Client, error) {
	var client domain.Client
	err := r.db.WithContext(ctx).First(&client, "account_number = ?", accountNumber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrUnknownAccount
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (r *repository) ListActiveBillable(ctx context.Context) ([]*domain.Client, error) {
	var clients []*domain.Client
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND service_start_date IS NOT NULL", true).
		Order("id ASC").
		Find(&clients).Error
	return clients, err
}

func (r *repository) List(ctx context.Context, limit, offset int) ([]*domain.Client, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var clients []*domain.Client
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&clients).Error
	return clients, err
}

func (r *repository) Lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	// sqlite serializes writers on its own and rejects FOR UPDATE.
	if tx.Dialector.Name() == "sqlite" {
		var n int64
		return tx.WithContext(ctx).Raw("SELECT COUNT(1) FROM clients WHERE id = ?", id).Scan(&n).Error
	}
	var locked snowflake.ID
	return tx.WithContext(ctx).
		Raw("SELECT id FROM clients WHERE id = ? FOR UPDATE", id).
		Scan(&locked).Error
}
