package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/takahq/takaops/internal/client/domain"
	"github.com/takahq/takaops/internal/client/repository"
)

type Service interface {
	Create(ctx context.Context, req CreateClientRequest) (*domain.Client, error)
	Get(ctx context.Context, id snowflake.ID) (*domain.Client, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Client, error)
}

type CreateClientRequest struct {
	OrgID            snowflake.ID    `json:"org_id,string"`
	Name             string          `json:"name" binding:"required"`
	Email            string          `json:"email"`
	Phone            string          `json:"phone"`
	ClientType       string          `json:"client_type"`
	MonthlyRate      decimal.Decimal `json:"monthly_rate"`
	GracePeriodDays  int             `json:"grace_period_days"`
	ServiceStartDate *time.Time      `json:"service_start_date"`
}

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clients repository.Repository
}

type service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clients repository.Repository
}

func NewService(p Params) Service {
	return &service{
		log:     p.Log.Named("client.service"),
		genID:   p.GenID,
		clients: p.Clients,
	}
}

func (s *service) Create(ctx context.Context, req CreateClientRequest) (*domain.Client, error) {
	clientType := domain.TypeResidential
	if strings.EqualFold(req.ClientType, string(domain.TypeCommercial)) {
		clientType = domain.TypeCommercial
	}

	id := s.genID.Generate()
	client := &domain.Client{
		ID:               id,
		OrgID:            req.OrgID,
		Name:             strings.TrimSpace(req.Name),
		Email:            strings.TrimSpace(req.Email),
		Phone:            strings.TrimSpace(req.Phone),
		AccountNumber:    accountNumber(clientType, id),
		ClientType:       clientType,
		MonthlyRate:      req.MonthlyRate,
		GracePeriodDays:  req.GracePeriodDays,
		ServiceStartDate: req.ServiceStartDate,
		IsActive:         true,
	}

	if err := s.clients.Create(ctx, client); err != nil {
		return nil, err
	}

	s.log.Info("client created",
		zap.Int64("client_id", client.ID.Int64()),
		zap.String("account_number", client.AccountNumber),
	)
	return client, nil
}

func (s *service) Get(ctx context.Context, id snowflake.ID) (*domain.Client, error) {
	return s.clients.FindByID(ctx, id)
}

func (s *service) List(ctx context.Context, limit, offset int) ([]*domain.Client, error) {
	return s.clients.List(ctx, limit, offset)
}

func accountNumber(t domain.ClientType, id snowflake.ID) string {
	return fmt.Sprintf("%s%06d", t.AccountPrefix(), id.Int64()%1_000_000)
}
