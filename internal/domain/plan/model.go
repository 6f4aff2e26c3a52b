package plan

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BillingCycle is how often a subscription is charged.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// AddTo returns t advanced by one billing period.
func (c BillingCycle) AddTo(t time.Time) time.Time {
	if c == CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// CycleFromInterval maps a gateway price interval onto a billing cycle.
func CycleFromInterval(interval string) BillingCycle {
	if interval == "year" {
		return CycleYearly
	}
	return CycleMonthly
}

type Plan struct {
	ID                   uuid.UUID       `json:"id"`
	Name                 string          `json:"name"`
	Description          *string         `json:"description,omitempty"`
	MonthlyPrice         decimal.Decimal `json:"monthlyPrice"`
	YearlyPrice          decimal.Decimal `json:"yearlyPrice"`
	Currency             string          `json:"currency"`
	Features             []string        `json:"features"`
	StripeMonthlyPriceID *string         `json:"stripeMonthlyPriceId,omitempty"`
	StripeYearlyPriceID  *string         `json:"stripeYearlyPriceId,omitempty"`
	TrialDays            int             `json:"trialDays"`
	IsDefault            bool            `json:"isDefault"`
	SortOrder            int             `json:"sortOrder"`
	IsActive             bool            `json:"isActive"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// PriceFor returns the plan price for one billing period.
func (p *Plan) PriceFor(cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// HasFeature reports whether the plan grants feature.
func (p *Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

func (p *Plan) clone() *Plan {
	cp := *p
	cp.Features = append([]string(nil), p.Features...)
	return &cp
}

// ListFilter selects plans for listing. Public marks an unauthenticated
// catalog request, which is only allowed together with ActiveOnly.
type ListFilter struct {
	ActiveOnly bool
	Public     bool
}

func (f ListFilter) cacheKey() string {
	if f.ActiveOnly {
		return "active"
	}
	return "all"
}

type CreateRequest struct {
	Name                 string           `json:"name" validate:"required,max=100"`
	Description          *string          `json:"description,omitempty" validate:"omitempty,max=1000"`
	MonthlyPrice         *decimal.Decimal `json:"monthlyPrice" validate:"required"`
	YearlyPrice          *decimal.Decimal `json:"yearlyPrice" validate:"required"`
	Currency             string           `json:"currency,omitempty" validate:"omitempty,iso4217"`
	Features             []string         `json:"features,omitempty"`
	StripeMonthlyPriceID *string          `json:"stripeMonthlyPriceId,omitempty"`
	StripeYearlyPriceID  *string          `json:"stripeYearlyPriceId,omitempty"`
	TrialDays            int              `json:"trialDays,omitempty" validate:"min=0,max=365"`
	IsDefault            bool             `json:"isDefault,omitempty"`
	SortOrder            int              `json:"sortOrder,omitempty"`
	IsActive             *bool            `json:"isActive,omitempty"`
}

// UpdateRequest changes only the fields that are present.
type UpdateRequest struct {
	Name                 *string          `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description          *string          `json:"description,omitempty" validate:"omitempty,max=1000"`
	MonthlyPrice         *decimal.Decimal `json:"monthlyPrice,omitempty"`
	YearlyPrice          *decimal.Decimal `json:"yearlyPrice,omitempty"`
	Currency             *string          `json:"currency,omitempty" validate:"omitempty,iso4217"`
	Features             []string         `json:"features,omitempty"`
	StripeMonthlyPriceID *string          `json:"stripeMonthlyPriceId,omitempty"`
	StripeYearlyPriceID  *string          `json:"stripeYearlyPriceId,omitempty"`
	TrialDays            *int             `json:"trialDays,omitempty" validate:"omitempty,min=0,max=365"`
	IsDefault            *bool            `json:"isDefault,omitempty"`
	SortOrder            *int             `json:"sortOrder,omitempty"`
	IsActive             *bool            `json:"isActive,omitempty"`
}
