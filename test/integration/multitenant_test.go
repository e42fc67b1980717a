//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/billing/internal/domain/billing"
)

func TestTenantIsolation(t *testing.T) {
	tenantA := newTenant(t, "tenant_a")
	tenantB := newTenant(t, "tenant_b")
	svc := newBillingService()
	encounterID, patientID := uuid.New(), uuid.New()

	var accountID uuid.UUID
	err := withTenantConn(context.Background(), tenantA, func(ctx context.Context) error {
		item, err := svc.AddItem(ctx, consultation(encounterID, patientID, "1", "750"), clerk)
		if err != nil {
			return err
		}
		accountID = item.AccountID
		return nil
	})
	require.NoError(t, err)

	t.Run("other tenant cannot see the account", func(t *testing.T) {
		err := withTenantConn(context.Background(), tenantB, func(ctx context.Context) error {
			_, err := svc.GetAccount(ctx, accountID)
			return err
		})
		assert.True(t, errors.Is(err, billing.ErrNotFound), "got %v", err)

		err = withTenantConn(context.Background(), tenantB, func(ctx context.Context) error {
			accounts, total, err := svc.ListAccounts(ctx, billing.AccountFilter{}, 20, 0)
			require.NoError(t, err)
			assert.Empty(t, accounts)
			assert.Zero(t, total)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("same encounter opens a separate account per tenant", func(t *testing.T) {
		err := withTenantConn(context.Background(), tenantB, func(ctx context.Context) error {
			item, err := svc.AddItem(ctx, consultation(encounterID, patientID, "2", "100"), clerk)
			require.NoError(t, err)
			assert.NotEqual(t, accountID, item.AccountID)
			return nil
		})
		require.NoError(t, err)

		err = withTenantConn(context.Background(), tenantA, func(ctx context.Context) error {
			acct, err := svc.GetAccount(ctx, accountID)
			require.NoError(t, err)
			assert.Equal(t, "750.00", acct.TotalAmount.StringFixed(2))
			return nil
		})
		require.NoError(t, err)
	})
}
