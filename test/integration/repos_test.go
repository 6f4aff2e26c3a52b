//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/billing/internal/domain/activity"
	"github.com/ehr/billing/internal/domain/payment"
	"github.com/ehr/billing/internal/domain/plan"
	"github.com/ehr/billing/internal/domain/subscription"
	"github.com/ehr/billing/internal/domain/tenant"
	"github.com/ehr/billing/internal/platform/db"
)

func createOrg(t *testing.T, pool *pgxpool.Pool, name string) *tenant.Organization {
	t.Helper()
	at := now()
	o := &tenant.Organization{ID: uuid.New(), Name: name, CreatedAt: at, UpdatedAt: at}
	require.NoError(t, tenant.NewRepoPG(pool).Create(context.Background(), o))
	return o
}

func createPlan(t *testing.T, pool *pgxpool.Pool, name string, sortOrder int) *plan.Plan {
	t.Helper()
	at := now()
	p := &plan.Plan{
		ID:           uuid.New(),
		Name:         name,
		MonthlyPrice: decimal.RequireFromString("49.00"),
		YearlyPrice:  decimal.RequireFromString("490.00"),
		Currency:     "USD",
		Features:     []string{"reports", "api"},
		TrialDays:    14,
		SortOrder:    sortOrder,
		IsActive:     true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	require.NoError(t, plan.NewRepoPG(pool).Create(context.Background(), p))
	return p
}

func createSub(t *testing.T, pool *pgxpool.Pool, org *tenant.Organization, pl *plan.Plan, status subscription.Status) *subscription.Subscription {
	t.Helper()
	at := now()
	s := &subscription.Subscription{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		PlanID:         pl.ID,
		Status:         status,
		BillingCycle:   plan.CycleMonthly,
		Amount:         pl.MonthlyPrice,
		Currency:       pl.Currency,
		StartDate:      at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	require.NoError(t, subscription.NewRepoPG(pool).Create(context.Background(), s))
	return s
}

func TestTenantRepo(t *testing.T) {
	pool := newSchema(t)
	ctx := context.Background()
	repo := tenant.NewRepoPG(pool)

	acme := createOrg(t, pool, "Acme Clinic")
	beta := createOrg(t, pool, "Beta Labs")

	t.Run("duplicate name", func(t *testing.T) {
		at := now()
		err := repo.Create(ctx, &tenant.Organization{ID: uuid.New(), Name: "Acme Clinic", CreatedAt: at, UpdatedAt: at})
		assert.ErrorIs(t, err, tenant.ErrDuplicateName)
	})

	t.Run("get by ids skips missing", func(t *testing.T) {
		got, err := repo.GetByIDs(ctx, []uuid.UUID{acme.ID, beta.ID, uuid.New()})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, "Beta Labs", got[beta.ID].Name)
	})

	t.Run("gateway customer", func(t *testing.T) {
		require.NoError(t, repo.SetGatewayCustomer(ctx, acme.ID, "cus_acme", now()))
		got, err := repo.GetByGatewayCustomer(ctx, "cus_acme")
		require.NoError(t, err)
		assert.Equal(t, acme.ID, got.ID)

		_, err = repo.GetByGatewayCustomer(ctx, "cus_missing")
		assert.ErrorIs(t, err, tenant.ErrNotFound)
		assert.ErrorIs(t, repo.SetGatewayCustomer(ctx, uuid.New(), "cus_x", now()), tenant.ErrNotFound)
	})
}

func TestPlanRepo_SingleDefault(t *testing.T) {
	pool := newSchema(t)
	ctx := context.Background()
	repo := plan.NewRepoPG(pool)
	tx := db.NewTransactor(pool)

	basic := createPlan(t, pool, "Basic", 1)
	pro := createPlan(t, pool, "Pro", 2)

	setDefault := func(p *plan.Plan) error {
		return tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := repo.ClearDefault(ctx, p.ID); err != nil {
				return err
			}
			p.IsDefault = true
			p.UpdatedAt = now()
			return repo.Update(ctx, p)
		})
	}

	require.NoError(t, setDefault(basic))
	require.NoError(t, setDefault(pro))

	plans, err := repo.List(ctx, false)
	require.NoError(t, err)
	defaults := 0
	for _, p := range plans {
		if p.IsDefault {
			defaults++
			assert.Equal(t, pro.ID, p.ID)
		}
	}
	assert.Equal(t, 1, defaults)

	t.Run("index rejects a second default", func(t *testing.T) {
		basic.IsDefault = true
		err := repo.Update(ctx, basic)
		require.Error(t, err)
		assert.True(t, db.IsUniqueViolation(err, "plans_single_default"))
	})

	t.Run("concurrent default changes leave one", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			p := basic
			if i%2 == 0 {
				p = pro
			}
			cp := *p
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = setDefault(&cp)
			}()
		}
		wg.Wait()

		var n int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM plans WHERE is_default`).Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("lookups", func(t *testing.T) {
		pro.StripeMonthlyPriceID = ptrStr("price_pro_m")
		pro.IsDefault = false
		require.NoError(t, repo.Update(ctx, pro))

		got, err := repo.GetByPriceID(ctx, "price_pro_m")
		require.NoError(t, err)
		assert.Equal(t, pro.ID, got.ID)
		assert.True(t, got.MonthlyPrice.Equal(decimal.RequireFromString("49")))
		assert.Equal(t, []string{"reports", "api"}, got.Features)

		_, err = repo.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, plan.ErrNotFound)
	})
}

func TestSubscriptionRepo(t *testing.T) {
	pool := newSchema(t)
	ctx := context.Background()
	repo := subscription.NewRepoPG(pool)

	org := createOrg(t, pool, "Acme Clinic")
	pl := createPlan(t, pool, "Basic", 1)

	old := createSub(t, pool, org, pl, subscription.StatusCanceled)
	cur := createSub(t, pool, org, pl, subscription.StatusActive)

	t.Run("current skips canceled", func(t *testing.T) {
		got, err := repo.Current(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, cur.ID, got.ID)

		_, err = repo.Current(ctx, uuid.New())
		assert.ErrorIs(t, err, subscription.ErrNotFound)
	})

	t.Run("update and external id", func(t *testing.T) {
		cur.ExternalSubscriptionID = ptrStr("sub_123")
		cur.Status = subscription.StatusPastDue
		cur.UpdatedAt = now()
		require.NoError(t, repo.Update(ctx, cur))

		got, err := repo.GetByExternalID(ctx, "sub_123")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPastDue, got.Status)
	})

	t.Run("last payment only moves forward", func(t *testing.T) {
		later := now()
		earlier := later.Add(-48 * time.Hour)
		require.NoError(t, repo.SetLastPayment(ctx, cur.ID, later))
		require.NoError(t, repo.SetLastPayment(ctx, cur.ID, earlier))

		got, err := repo.GetByID(ctx, cur.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastPaymentDate)
		assert.True(t, got.LastPaymentDate.Equal(later))
	})

	t.Run("list filters and pages", func(t *testing.T) {
		items, total, err := repo.List(ctx, subscription.ListFilter{OrganizationID: &org.ID}, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, items, 1)

		items, total, err = repo.List(ctx, subscription.ListFilter{Status: subscription.StatusCanceled}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, old.ID, items[0].ID)
	})

	t.Run("organization lock serializes", func(t *testing.T) {
		tx := db.NewTransactor(pool)
		held := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)

		go func() {
			done <- tx.RunInTx(ctx, func(ctx context.Context) error {
				if err := repo.LockOrganization(ctx, org.ID); err != nil {
					return err
				}
				close(held)
				<-release
				return nil
			})
		}()
		<-held

		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		err := tx.RunInTx(waitCtx, func(ctx context.Context) error {
			return repo.LockOrganization(ctx, org.ID)
		})
		assert.Error(t, err, "second lock should wait for the first transaction")

		close(release)
		require.NoError(t, <-done)
		require.NoError(t, tx.RunInTx(ctx, func(ctx context.Context) error {
			return repo.LockOrganization(ctx, org.ID)
		}))
	})
}

func TestPaymentRepo(t *testing.T) {
	pool := newSchema(t)
	ctx := context.Background()
	repo := payment.NewRepoPG(pool)
	seq := payment.NewSequencePG(pool)

	org := createOrg(t, pool, "Acme Clinic")
	pl := createPlan(t, pool, "Basic", 1)
	sub := createSub(t, pool, org, pl, subscription.StatusActive)

	newPayment := func(t *testing.T, notes string) *payment.Payment {
		t.Helper()
		n, err := seq.Next(ctx)
		require.NoError(t, err)
		at := now()
		return &payment.Payment{
			ID:             uuid.New(),
			TransactionID:  payment.FormatTransactionID(at.Year(), n),
			Sequence:       n,
			SubscriptionID: sub.ID,
			OrganizationID: org.ID,
			Amount:         decimal.RequireFromString("49.00"),
			Currency:       "USD",
			Method:         payment.MethodCard,
			BillingCycle:   plan.CycleMonthly,
			Status:         payment.StatusCompleted,
			Notes:          ptrStr(notes),
			PaidAt:         at,
			CreatedAt:      at,
		}
	}

	t.Run("sequence is unique under concurrency", func(t *testing.T) {
		const workers = 32
		var mu sync.Mutex
		seen := make(map[int64]bool, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := seq.Next(ctx)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				assert.False(t, seen[n], "sequence value %d issued twice", n)
				seen[n] = true
			}()
		}
		wg.Wait()
		assert.Len(t, seen, workers)
	})

	first := newPayment(t, "March invoice")
	first.ExternalInvoiceID = ptrStr("in_1")
	require.NoError(t, repo.Create(ctx, first))

	t.Run("duplicates", func(t *testing.T) {
		dupTxn := newPayment(t, "dup")
		dupTxn.TransactionID = first.TransactionID
		assert.ErrorIs(t, repo.Create(ctx, dupTxn), payment.ErrDuplicate)

		dupInvoice := newPayment(t, "dup")
		dupInvoice.ExternalInvoiceID = ptrStr("in_1")
		assert.ErrorIs(t, repo.Create(ctx, dupInvoice), payment.ErrDuplicate)

		got, err := repo.GetByExternalInvoice(ctx, "in_1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("one refund per payment", func(t *testing.T) {
		_, err := repo.RefundFor(ctx, first.ID)
		assert.ErrorIs(t, err, payment.ErrNotFound)

		refund := newPayment(t, "refund")
		refund.Status = payment.StatusRefunded
		refund.RefundOf = &first.ID
		require.NoError(t, repo.Create(ctx, refund))

		again := newPayment(t, "refund again")
		again.Status = payment.StatusRefunded
		again.RefundOf = &first.ID
		assert.ErrorIs(t, repo.Create(ctx, again), payment.ErrDuplicate)

		got, err := repo.RefundFor(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, refund.ID, got.ID)
	})

	t.Run("search and pagination", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.Create(ctx, newPayment(t, fmt.Sprintf("batch %d", i))))
		}
		total, err := repo.Count(ctx, payment.ListFilter{OrganizationID: &org.ID})
		require.NoError(t, err)
		assert.Equal(t, 7, total)

		page, err := repo.List(ctx, payment.ListFilter{OrganizationID: &org.ID}, 3, 6)
		require.NoError(t, err)
		assert.Len(t, page, 1)

		matched, err := repo.Count(ctx, payment.ListFilter{Search: "BATCH"})
		require.NoError(t, err)
		assert.Equal(t, 5, matched)

		literal, err := repo.Count(ctx, payment.ListFilter{Search: "%"})
		require.NoError(t, err)
		assert.Zero(t, literal, "LIKE wildcards are matched literally")
	})

	t.Run("ties order by sequence numerically", func(t *testing.T) {
		other := createOrg(t, pool, "Tie Clinic")
		otherSub := createSub(t, pool, other, pl, subscription.StatusActive)
		at := now()
		for _, n := range []int64{99999, 100000, 99998} {
			p := newPayment(t, "tie")
			p.SubscriptionID, p.OrganizationID = otherSub.ID, other.ID
			p.Sequence = n
			p.TransactionID = payment.FormatTransactionID(at.Year(), n)
			p.PaidAt, p.CreatedAt = at, at
			require.NoError(t, repo.Create(ctx, p))
		}

		items, err := repo.List(ctx, payment.ListFilter{OrganizationID: &other.ID}, 10, 0)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, []int64{100000, 99999, 99998}, []int64{items[0].Sequence, items[1].Sequence, items[2].Sequence})
		assert.Equal(t, payment.FormatTransactionID(at.Year(), 100000), items[0].TransactionID)
	})
}

func TestActivityRepo(t *testing.T) {
	pool := newSchema(t)
	ctx := context.Background()
	repo := activity.NewRepoPG(pool)
	org := createOrg(t, pool, "Acme Clinic")

	for i, entity := range []string{activity.EntityPlan, activity.EntityPayment, activity.EntityPayment} {
		e := &activity.Entry{
			ID:        uuid.New(),
			Entity:    entity,
			EntityID:  fmt.Sprintf("e-%d", i),
			Action:    "create",
			Details:   map[string]string{"n": fmt.Sprint(i)},
			CreatedAt: now().Add(time.Duration(i) * time.Second),
		}
		if entity == activity.EntityPayment {
			e.OrganizationID = &org.ID
			e.ActorID = "user-1"
		}
		require.NoError(t, repo.Create(ctx, e))
	}

	items, total, err := repo.List(ctx, activity.Filter{OrganizationID: &org.ID}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, "e-2", items[0].EntityID, "newest first")
	assert.Equal(t, "user-1", items[0].ActorID)
	assert.Equal(t, "2", items[0].Details["n"])

	_, total, err = repo.List(ctx, activity.Filter{Entity: activity.EntityPlan}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
