package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
	"gorm.io/gorm"
)

var testNode, _ = snowflake.NewNode(5)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", testNode.Generate())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&featuredomain.Feature{},
		&entitlementdomain.CustomerEntitlement{},
		&entitlementdomain.Rollover{},
	))
	return db
}

func seedGrant(t *testing.T, db *gorm.DB, orgID, customerID, featureID snowflake.ID, balance string, createdAt time.Time) entitlementdomain.CustomerEntitlement {
	t.Helper()
	b := decimal.RequireFromString(balance)
	ent := entitlementdomain.CustomerEntitlement{
		ID:         testNode.Generate(),
		OrgID:      orgID,
		Env:        "live",
		CustomerID: customerID,
		FeatureID:  featureID,
		Balance:    &b,
		Allowance:  b,
		CreatedAt:  createdAt,
	}
	require.NoError(t, db.Create(&ent).Error)
	return ent
}

func TestLoadGraph_OrdersByCreation(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	orgID := testNode.Generate()
	customerID := testNode.Generate()
	featureID := testNode.Generate()
	require.NoError(t, db.Create(&featuredomain.Feature{
		ID: featureID, OrgID: orgID, Env: "live", Code: "api_calls",
		Name: "API calls", Type: featuredomain.FeatureTypeMetered,
	}).Error)

	now := time.Now().UTC()
	newer := seedGrant(t, db, orgID, customerID, featureID, "10", now)
	older := seedGrant(t, db, orgID, customerID, featureID, "20", now.Add(-time.Hour))

	g, err := repo.LoadGraph(context.Background(), db, orgID, "live", customerID)
	require.NoError(t, err)
	require.Len(t, g.Entitlements, 2)
	assert.Equal(t, older.ID, g.Entitlements[0].ID)
	assert.Equal(t, newer.ID, g.Entitlements[1].ID)
	require.Len(t, g.Features, 1)
	assert.Equal(t, featureID, g.Features[0].ID)
}

func TestLoadGraph_IncludesCreditSystemFeaturesWithoutGrant(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	orgID := testNode.Generate()
	customerID := testNode.Generate()
	metered := testNode.Generate()
	require.NoError(t, db.Create(&featuredomain.Feature{
		ID: metered, OrgID: orgID, Env: "live", Code: "tokens",
		Name: "Tokens", Type: featuredomain.FeatureTypeMetered,
	}).Error)
	credits := testNode.Generate()
	require.NoError(t, db.Create(&featuredomain.Feature{
		ID: credits, OrgID: orgID, Env: "live", Code: "credits",
		Name: "Credits", Type: featuredomain.FeatureTypeCreditSystem,
	}).Error)

	seedGrant(t, db, orgID, customerID, metered, "10", time.Now().UTC())

	g, err := repo.LoadGraph(context.Background(), db, orgID, "live", customerID)
	require.NoError(t, err)

	ids := make([]snowflake.ID, 0, len(g.Features))
	for _, f := range g.Features {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []snowflake.ID{metered, credits}, ids)
}

func TestLoadGraph_ScopesByOrgAndEnv(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	orgID := testNode.Generate()
	customerID := testNode.Generate()
	seedGrant(t, db, testNode.Generate(), customerID, testNode.Generate(), "10", time.Now().UTC())

	g, err := repo.LoadGraph(context.Background(), db, orgID, "live", customerID)
	require.NoError(t, err)
	assert.Empty(t, g.Entitlements)
}

func TestFindByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	_, err := repo.FindByID(context.Background(), db, testNode.Generate())
	assert.ErrorIs(t, err, entitlementdomain.ErrEntitlementNotFound)
}

func TestFindByID_PreloadsRollovers(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	ent := seedGrant(t, db, testNode.Generate(), testNode.Generate(), testNode.Generate(), "10", time.Now().UTC())
	require.NoError(t, db.Create(&entitlementdomain.Rollover{
		ID:        testNode.Generate(),
		CusEntID:  ent.ID,
		Balance:   decimal.RequireFromString("5"),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		CreatedAt: time.Now().UTC(),
	}).Error)

	got, err := repo.FindByID(context.Background(), db, ent.ID)
	require.NoError(t, err)
	require.Len(t, got.Rollovers, 1)
	assert.True(t, got.Rollovers[0].Balance.Equal(decimal.RequireFromString("5")))
}

func TestApplyWrite_UpdatesBalanceAndMarkers(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	ent := seedGrant(t, db, testNode.Generate(), testNode.Generate(), testNode.Generate(), "100", time.Now().UTC())

	nowMs := time.Now().UnixMilli()
	b := decimal.RequireFromString("60")
	require.NoError(t, repo.ApplyWrite(context.Background(), db, entitlementdomain.BalanceWrite{
		CusEntID:    ent.ID,
		Balance:     &b,
		UpdatedAtMs: nowMs,
	}))

	var got entitlementdomain.CustomerEntitlement
	require.NoError(t, db.First(&got, "id = ?", ent.ID).Error)
	assert.True(t, got.Balance.Equal(b))
	assert.Equal(t, nowMs, got.BalanceUpdatedAt)
	assert.Equal(t, int64(1), got.Version)
}

func TestApplyWrite_UpdatesRollovers(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	ent := seedGrant(t, db, testNode.Generate(), testNode.Generate(), testNode.Generate(), "100", time.Now().UTC())
	roll := entitlementdomain.Rollover{
		ID:        testNode.Generate(),
		CusEntID:  ent.ID,
		Balance:   decimal.RequireFromString("20"),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&roll).Error)

	b := decimal.RequireFromString("100")
	require.NoError(t, repo.ApplyWrite(context.Background(), db, entitlementdomain.BalanceWrite{
		CusEntID:    ent.ID,
		Balance:     &b,
		UpdatedAtMs: time.Now().UnixMilli(),
		Rollovers: map[snowflake.ID]entitlementdomain.RolloverWrite{
			roll.ID: {Balance: decimal.Zero},
		},
	}))

	var got entitlementdomain.Rollover
	require.NoError(t, db.First(&got, "id = ?", roll.ID).Error)
	assert.True(t, got.Balance.IsZero())
}

func TestApplyWrite_MissingRecord(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	b := decimal.RequireFromString("1")
	err := repo.ApplyWrite(context.Background(), db, entitlementdomain.BalanceWrite{
		CusEntID:    testNode.Generate(),
		Balance:     &b,
		UpdatedAtMs: time.Now().UnixMilli(),
	})
	assert.ErrorIs(t, err, entitlementdomain.ErrEntitlementNotFound)
}

func TestResetBalance_RestoresAllowance(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	ent := seedGrant(t, db, testNode.Generate(), testNode.Generate(), testNode.Generate(), "100", time.Now().UTC())
	b := decimal.RequireFromString("15")
	require.NoError(t, db.Model(&entitlementdomain.CustomerEntitlement{}).
		Where("id = ?", ent.ID).Update("balance", b).Error)

	nextReset := time.Now().Add(30 * 24 * time.Hour).UnixMilli()
	require.NoError(t, repo.ResetBalance(context.Background(), db, ent.ID, nextReset))

	var got entitlementdomain.CustomerEntitlement
	require.NoError(t, db.First(&got, "id = ?", ent.ID).Error)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("100")))
	require.NotNil(t, got.NextResetAt)
	assert.Equal(t, nextReset, *got.NextResetAt)
	assert.Equal(t, int64(1), got.Version)
	assert.Positive(t, got.BalanceUpdatedAt)
}
