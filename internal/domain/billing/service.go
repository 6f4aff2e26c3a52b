// Package billing serves the organization-scoped self-service billing
// surface: gateway portal sessions, invoices and the entitlement summary.
package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/billing/internal/domain/entitlement"
	"github.com/ehr/billing/internal/domain/plan"
	"github.com/ehr/billing/internal/domain/subscription"
	"github.com/ehr/billing/internal/domain/tenant"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/gateway"
	"github.com/ehr/billing/internal/platform/validation"
)

type Subscriptions interface {
	Resolve(ctx context.Context, ref string) (*subscription.Subscription, error)
	CurrentForOrganization(ctx context.Context, orgID uuid.UUID) (*subscription.Subscription, error)
}

type Organizations interface {
	Lookup(ctx context.Context, id uuid.UUID) (*tenant.Organization, error)
}

type Plans interface {
	Lookup(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
}

type Service struct {
	subs      Subscriptions
	orgs      Organizations
	plans     Plans
	gw        gateway.Gateway
	guard     *entitlement.Guard
	returnURL string
	logger    zerolog.Logger
}

type Option func(*Service)

// WithReturnURL sets the portal return URL used when a request names none.
func WithReturnURL(u string) Option { return func(s *Service) { s.returnURL = u } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(subs Subscriptions, orgs Organizations, plans Plans, gw gateway.Gateway, guard *entitlement.Guard, opts ...Option) *Service {
	s := &Service{subs: subs, orgs: orgs, plans: plans, gw: gw, guard: guard, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

var errNoBillingAccount = apperror.Validation("no_billing_account", "no billing account is on file for this organization")

type PortalRequest struct {
	ReturnURL string `json:"returnUrl,omitempty" validate:"omitempty,url,max=2048"`
}

// Portal opens a gateway billing portal session for the caller's
// organization. An organization without a gateway customer is refused before
// the gateway is called.
func (s *Service) Portal(ctx context.Context, p *auth.Principal, req PortalRequest) (string, error) {
	orgID, err := s.guard.CallerOrganization(p, entitlement.OpBillingSelfService)
	if err != nil {
		return "", err
	}
	if err := validation.Struct(&req); err != nil {
		return "", err
	}
	org, err := s.orgs.Lookup(ctx, orgID)
	if err != nil {
		return "", err
	}
	if !org.HasBillingAccount() {
		return "", errNoBillingAccount
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = s.returnURL
	}
	url, err := s.gw.CreatePortalSession(ctx, *org.GatewayCustomerID, returnURL)
	switch {
	case err == nil:
		return url, nil
	case errors.Is(err, gateway.ErrNoCustomer):
		s.logger.Warn().Err(err).Str("organization_id", org.ID.String()).Msg("gateway does not know the customer on file")
		return "", errNoBillingAccount
	default:
		s.logger.Error().Err(err).Str("organization_id", org.ID.String()).Msg("portal session failed")
		return "", apperror.Gateway("", err)
	}
}

// Invoice resolves ref as a local or gateway subscription id and describes
// its invoice. A missing subscription is NotFound; one owned by another
// organization is Forbidden. When the gateway holds the subscription its
// hosted invoice is returned; if the gateway cannot be reached the ledger
// view is returned instead.
func (s *Service) Invoice(ctx context.Context, p *auth.Principal, ref string) (*Invoice, error) {
	if err := s.guard.Admit(p, entitlement.OpBillingSelfService); err != nil {
		return nil, err
	}
	sub, err := s.subs.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(p, sub.OrganizationID, entitlement.OpBillingSelfService); err != nil {
		return nil, err
	}

	org, pl, err := s.related(ctx, sub)
	if err != nil {
		return nil, err
	}

	if sub.HasGatewaySubscription() {
		h, err := s.gw.LatestInvoice(ctx, *sub.ExternalSubscriptionID)
		if err == nil {
			return hostedInvoice(sub, org, pl, h), nil
		}
		s.logger.Warn().Err(err).
			Str("subscription_id", sub.ID.String()).
			Str("outcome", gateway.Outcome(err)).
			Msg("hosted invoice unavailable, using ledger view")
	}
	return ledgerInvoice(sub, org, pl), nil
}

// related fetches the organization and plan of sub concurrently. A plan that
// no longer exists is reported as nil.
func (s *Service) related(ctx context.Context, sub *subscription.Subscription) (*tenant.Organization, *plan.Plan, error) {
	var (
		org *tenant.Organization
		pl  *plan.Plan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		org, err = s.orgs.Lookup(gctx, sub.OrganizationID)
		return err
	})
	g.Go(func() error {
		var err error
		pl, err = s.plans.Lookup(gctx, sub.PlanID)
		if apperror.KindOf(err) == apperror.KindNotFound {
			pl, err = nil, nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return org, pl, nil
}

// Entitlement summarizes what the caller's organization may use.
type Entitlement struct {
	Entitled bool                `json:"entitled"`
	Status   subscription.Status `json:"status,omitempty"`
	Plan     *PlanRef            `json:"plan"`
	Features []string            `json:"features"`
}

func (s *Service) Entitlement(ctx context.Context, p *auth.Principal) (*Entitlement, error) {
	orgID, err := s.guard.CallerOrganization(p, entitlement.OpEntitlementRead)
	if err != nil {
		return nil, err
	}
	out := &Entitlement{Features: []string{}}
	sub, err := s.subs.CurrentForOrganization(ctx, orgID)
	if err != nil || sub == nil {
		return out, err
	}
	out.Status = sub.Status
	out.Entitled = sub.Status.Entitled()

	pl, err := s.plans.Lookup(ctx, sub.PlanID)
	if apperror.KindOf(err) == apperror.KindNotFound {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Plan = planRef(sub, pl)
	if out.Entitled {
		out.Features = append(out.Features, pl.Features...)
	}
	return out, nil
}
