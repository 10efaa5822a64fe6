package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrClientNotFound  = errors.New("client_not_found")
	ErrUnknownAccount  = errors.New("unknown_account")
	ErrDuplicateClient = errors.New("duplicate_client")
)

type ClientType string

const (
	TypeResidential ClientType = "residential"
	TypeCommercial  ClientType = "commercial"
)

// Client is a billed waste-collection account.
type Client struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id,string"`
	OrgID snowflake.ID `gorm:"index" json:"org_id,string"`

	Name  string `gorm:"size:255;not null" json:"name"`
	Email string `gorm:"size:255" json:"email"`
	Phone string `gorm:"size:32" json:"phone"`

	// AccountNumber is the paybill reference payers key in. It is the
	// join point between incoming money and the ledger.
	AccountNumber string     `gorm:"size:32;not null;uniqueIndex" json:"account_number"`
	ClientType    ClientType `gorm:"size:16;not null;default:residential" json:"client_type"`

	MonthlyRate decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"monthly_rate"`

	// GracePeriodDays of zero means "use the platform default".
	GracePeriodDays int `gorm:"not null;default:0" json:"grace_period_days"`

	ServiceStartDate *time.Time `json:"service_start_date,omitempty"`
	IsActive         bool       `gorm:"not null;default:true" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Client) TableName() string { return "clients" }

// Billable reports whether the monthly generator should consider this client.
func (c *Client) Billable() bool {
	return c.IsActive && c.ServiceStartDate != nil && c.MonthlyRate.IsPositive()
}

// GraceDays resolves the effective grace period against the platform default.
func (c *Client) GraceDays(platformDefault int) int {
	if c.GracePeriodDays > 0 {
		return c.GracePeriodDays
	}
	return platformDefault
}

// AccountPrefix returns the account number prefix for the client type.
func (t ClientType) AccountPrefix() string {
	if t == TypeCommercial {
		return "COM"
	}
	return "RES"
}
