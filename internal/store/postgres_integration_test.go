//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
	"github.com/jakekausler/campaign-manager-sub003/internal/store"
	"github.com/jakekausler/campaign-manager-sub003/internal/testsupport"
)

func TestPostgresStore_Integration(t *testing.T) {
	// 1. Infrastructure
	ctx := context.Background()
	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	defer func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	// 2. Seed
	_, err = pg.DB.Exec(ctx, `
		INSERT INTO conditions (id, campaign_id, branch_id, key, expression) VALUES
			('cond-a', 'c1', NULL, 'large-town', '{">=":[{"var":"settlement.population"},5000]}'),
			('cond-a-alt', 'c1', 'alt', 'large-town', '{">=":[{"var":"settlement.population"},100]}'),
			('cond-b', 'c1', NULL, 'rich', '{">":[{"var":"treasury"},1000]}');
		INSERT INTO conditions (id, campaign_id, key, expression, deleted_at) VALUES
			('cond-deleted', 'c1', 'gone', 'true', now());
		INSERT INTO variables (id, campaign_id, key, value) VALUES
			('var-treasury', 'c1', 'treasury', '500');
		INSERT INTO effects (id, campaign_id, key, condition_id, patch) VALUES
			('eff-tax', 'c1', 'tax', 'cond-b', '[{"op":"replace","path":"/treasury","value":0}]');
	`)
	require.NoError(t, err)

	repo := store.NewPostgresStore(pg.DB)

	// 3. Scenarios
	t.Run("Should overlay branch rows on campaign-wide rows", func(t *testing.T) {
		conditions, err := repo.ListConditions(ctx, scope.New("c1", "alt"))
		require.NoError(t, err)
		ids := []string{}
		for _, c := range conditions {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, []string{"cond-a-alt", "cond-b"}, ids)
	})

	t.Run("Should hide deleted conditions", func(t *testing.T) {
		_, err := repo.GetCondition(ctx, "cond-deleted")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Should read JSON columns verbatim", func(t *testing.T) {
		e, err := repo.GetEffect(ctx, "eff-tax")
		require.NoError(t, err)
		assert.Equal(t, "cond-b", e.ConditionID)
		assert.JSONEq(t, `[{"op":"replace","path":"/treasury","value":0}]`, string(e.Patch))

		v, err := repo.GetVariable(ctx, "var-treasury")
		require.NoError(t, err)
		assert.JSONEq(t, `500`, string(v.Value))
	})

	t.Run("Should list active scopes", func(t *testing.T) {
		scopes, err := repo.ListActiveScopes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []scope.Scope{{CampaignID: "c1", BranchID: "alt"}, {CampaignID: "c1", BranchID: "main"}}, scopes)
	})
}
