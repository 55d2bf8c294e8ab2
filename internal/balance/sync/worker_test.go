package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallylabs/tally/internal/balance/cache"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	entitlementrepo "github.com/tallylabs/tally/internal/entitlement/repository"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNode, _ = snowflake.NewNode(6)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:sync_%s?mode=memory&cache=shared", testNode.Generate())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&featuredomain.Feature{},
		&entitlementdomain.CustomerEntitlement{},
		&entitlementdomain.Rollover{},
	))
	return db
}

func newTestWorker(t *testing.T) (*Worker, *cache.Store, *gorm.DB) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewStore(rdb, zap.NewNop())
	db := newTestDB(t)

	w := NewWorker(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  entitlementrepo.Provide(),
		Store: store,
		Queue: NewQueue(QueueParams{Log: zap.NewNop()}),
	})
	return w, store, db
}

type fixture struct {
	orgID      snowflake.ID
	customerID snowflake.ID
	ent        entitlementdomain.CustomerEntitlement
}

func seedEntitlement(t *testing.T, db *gorm.DB, balance string) fixture {
	t.Helper()
	b := decimal.RequireFromString(balance)
	f := fixture{
		orgID:      testNode.Generate(),
		customerID: testNode.Generate(),
	}
	f.ent = entitlementdomain.CustomerEntitlement{
		ID:         testNode.Generate(),
		OrgID:      f.orgID,
		Env:        "live",
		CustomerID: f.customerID,
		FeatureID:  testNode.Generate(),
		Balance:    &b,
		Allowance:  b,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(&f.ent).Error)
	return f
}

func cacheSnapshot(t *testing.T, store *cache.Store, f fixture, balance string) {
	t.Helper()
	b := decimal.RequireFromString(balance)
	ent := f.ent
	ent.Balance = &b
	snap := &cache.Snapshot{
		Graph: entitlementdomain.Graph{
			OrgID:        f.orgID,
			Env:          "live",
			CustomerID:   f.customerID,
			Entitlements: []entitlementdomain.CustomerEntitlement{ent},
		},
		CachedAtMs: time.Now().UnixMilli(),
	}
	key := cache.Key(f.orgID, "live", f.customerID)
	require.NoError(t, store.Set(context.Background(), key, snap))
}

func itemFor(f fixture, timestampMs int64) Item {
	return NewItem(f.orgID, "live", f.customerID, []snowflake.ID{f.ent.ID}, timestampMs, "eu-west-1")
}

func TestWorker_AppliesCachedBalance(t *testing.T) {
	w, store, db := newTestWorker(t)
	f := seedEntitlement(t, db, "100")
	cacheSnapshot(t, store, f, "70")

	nowMs := time.Now().UnixMilli()
	w.Process(context.Background(), itemFor(f, nowMs))

	var durable entitlementdomain.CustomerEntitlement
	require.NoError(t, db.First(&durable, "id = ?", f.ent.ID).Error)
	assert.True(t, durable.Balance.Equal(decimal.RequireFromString("70")))
	assert.Equal(t, nowMs, durable.BalanceUpdatedAt)
	assert.Equal(t, int64(1), durable.Version)
}

func TestWorker_DiscardsStaleItem(t *testing.T) {
	w, store, db := newTestWorker(t)
	f := seedEntitlement(t, db, "100")

	// A reset landed durably after this mutation was produced.
	nowMs := time.Now().UnixMilli()
	require.NoError(t, db.Model(&entitlementdomain.CustomerEntitlement{}).
		Where("id = ?", f.ent.ID).
		Update("balance_updated_at", nowMs+1000).Error)

	cacheSnapshot(t, store, f, "70")
	w.Process(context.Background(), itemFor(f, nowMs))

	var durable entitlementdomain.CustomerEntitlement
	require.NoError(t, db.First(&durable, "id = ?", f.ent.ID).Error)
	assert.True(t, durable.Balance.Equal(decimal.RequireFromString("100")), "stale write must not land")
	assert.Equal(t, int64(0), durable.Version)
}

func TestWorker_ReRunIsIdempotent(t *testing.T) {
	w, store, db := newTestWorker(t)
	f := seedEntitlement(t, db, "100")
	cacheSnapshot(t, store, f, "70")

	item := itemFor(f, time.Now().UnixMilli())
	w.Process(context.Background(), item)
	w.Process(context.Background(), item)

	var durable entitlementdomain.CustomerEntitlement
	require.NoError(t, db.First(&durable, "id = ?", f.ent.ID).Error)
	assert.True(t, durable.Balance.Equal(decimal.RequireFromString("70")))
	assert.Equal(t, int64(1), durable.Version, "second run discards, no second version bump")
}

func TestWorker_SkipsEvictedSnapshot(t *testing.T) {
	w, _, db := newTestWorker(t)
	f := seedEntitlement(t, db, "100")

	w.Process(context.Background(), itemFor(f, time.Now().UnixMilli()))

	var durable entitlementdomain.CustomerEntitlement
	require.NoError(t, db.First(&durable, "id = ?", f.ent.ID).Error)
	assert.True(t, durable.Balance.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, int64(0), durable.Version)
}

func TestWorker_SkipsDeletedRecord(t *testing.T) {
	w, store, db := newTestWorker(t)
	f := seedEntitlement(t, db, "100")
	cacheSnapshot(t, store, f, "70")
	require.NoError(t, db.Delete(&entitlementdomain.CustomerEntitlement{}, "id = ?", f.ent.ID).Error)

	// Must complete without error; there is nothing durable to update.
	w.Process(context.Background(), itemFor(f, time.Now().UnixMilli()))
}

func TestWorker_SyncsRolloverBalances(t *testing.T) {
	w, store, db := newTestWorker(t)
	f := seedEntitlement(t, db, "100")

	nowMs := time.Now().UnixMilli()
	roll := entitlementdomain.Rollover{
		ID:        testNode.Generate(),
		CusEntID:  f.ent.ID,
		Balance:   decimal.RequireFromString("20"),
		ExpiresAt: nowMs + 60_000,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&roll).Error)

	// Cache has the rollover fully drained.
	ent := f.ent
	b := decimal.RequireFromString("100")
	ent.Balance = &b
	drained := roll
	drained.Balance = decimal.Zero
	ent.Rollovers = []entitlementdomain.Rollover{drained}
	key := cache.Key(f.orgID, "live", f.customerID)
	require.NoError(t, store.Set(context.Background(), key, &cache.Snapshot{
		Graph: entitlementdomain.Graph{
			OrgID:        f.orgID,
			Env:          "live",
			CustomerID:   f.customerID,
			Entitlements: []entitlementdomain.CustomerEntitlement{ent},
		},
		CachedAtMs: nowMs,
	}))

	w.Process(context.Background(), itemFor(f, nowMs))

	var durableRoll entitlementdomain.Rollover
	require.NoError(t, db.First(&durableRoll, "id = ?", roll.ID).Error)
	assert.True(t, durableRoll.Balance.IsZero())
}

func TestItem_AbsorbUnionsAndKeepsNewestTimestamp(t *testing.T) {
	a := testNode.Generate()
	b := testNode.Generate()
	customer := testNode.Generate()
	org := testNode.Generate()

	item := NewItem(org, "live", customer, []snowflake.ID{a}, 100, "")
	item.absorb(NewItem(org, "live", customer, []snowflake.ID{a, b}, 250, ""))

	assert.ElementsMatch(t, []snowflake.ID{a, b}, item.CusEntIDs)
	assert.Equal(t, int64(250), item.TimestampMs)

	item.absorb(NewItem(org, "live", customer, []snowflake.ID{b}, 50, ""))
	assert.Equal(t, int64(250), item.TimestampMs, "older timestamp never wins")
}
