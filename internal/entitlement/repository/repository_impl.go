package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/tallylabs/tally/internal/entitlement/domain"
	featuredomain "github.com/tallylabs/tally/internal/feature/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) LoadGraph(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) (*entitlementdomain.Graph, error) {
	var ents []entitlementdomain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND customer_id = ?", orgID, env, customerID).
		Preload("Rollovers", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at ASC, id ASC")
		}).
		Order("created_at ASC, id ASC").
		Find(&ents).Error
	if err != nil {
		return nil, err
	}

	featureIDs := make([]snowflake.ID, 0, len(ents))
	seen := make(map[snowflake.ID]struct{}, len(ents))
	for _, e := range ents {
		if _, ok := seen[e.FeatureID]; ok {
			continue
		}
		seen[e.FeatureID] = struct{}{}
		featureIDs = append(featureIDs, e.FeatureID)
	}

	// Credit-system features are loaded for the whole scope even when the
	// customer holds no direct grant: their schemas decide which extra
	// deductions a metered deduction fans out into.
	var features []featuredomain.Feature
	q := db.WithContext(ctx).Where("org_id = ? AND env = ?", orgID, env)
	if len(featureIDs) > 0 {
		q = q.Where("id IN ? OR feature_type = ?", featureIDs, featuredomain.FeatureTypeCreditSystem)
	} else {
		q = q.Where("feature_type = ?", featuredomain.FeatureTypeCreditSystem)
	}
	if err := q.Order("id ASC").Find(&features).Error; err != nil {
		return nil, err
	}

	return &entitlementdomain.Graph{
		OrgID:        orgID,
		Env:          env,
		CustomerID:   customerID,
		Entitlements: ents,
		Features:     features,
	}, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*entitlementdomain.CustomerEntitlement, error) {
	var ent entitlementdomain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Preload("Rollovers", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at ASC, id ASC")
		}).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, entitlementdomain.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*entitlementdomain.CustomerEntitlement, error) {
	var ent entitlementdomain.CustomerEntitlement
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, entitlementdomain.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, err
	}

	// Preload does not honor row locks; rollovers are locked explicitly.
	err = db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("cus_ent_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&ent.Rollovers).Error
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (r *repo) ApplyWrite(ctx context.Context, db *gorm.DB, write entitlementdomain.BalanceWrite) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"balance":            write.Balance,
			"balance_updated_at": write.UpdatedAtMs,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         time.Now().UTC(),
		}
		if write.Entities != nil {
			updates["entities"] = datatypes.NewJSONType(write.Entities)
		}

		res := tx.Model(&entitlementdomain.CustomerEntitlement{}).
			Where("id = ?", write.CusEntID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return entitlementdomain.ErrEntitlementNotFound
		}

		for id, roll := range write.Rollovers {
			rollUpdates := map[string]any{"balance": roll.Balance}
			if roll.Entities != nil {
				rollUpdates["entities"] = datatypes.NewJSONType(roll.Entities)
			}
			if err := tx.Model(&entitlementdomain.Rollover{}).
				Where("id = ? AND cus_ent_id = ?", id, write.CusEntID).
				Updates(rollUpdates).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repo) ResetBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, nextResetAtMs int64) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ent entitlementdomain.CustomerEntitlement
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&ent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlementdomain.ErrEntitlementNotFound
		}
		if err != nil {
			return err
		}

		updates := map[string]any{
			"balance_updated_at": time.Now().UnixMilli(),
			"version":            gorm.Expr("version + 1"),
			"updated_at":         time.Now().UTC(),
		}
		if ent.Balance != nil {
			updates["balance"] = ent.Allowance
		}
		if entities := ent.Entities.Data(); entities != nil {
			for k, eb := range entities {
				eb.Balance = ent.Allowance
				entities[k] = eb
			}
			updates["entities"] = datatypes.NewJSONType(entities)
		}
		if nextResetAtMs > 0 {
			updates["next_reset_at"] = nextResetAtMs
		} else {
			updates["next_reset_at"] = nil
		}

		return tx.Model(&entitlementdomain.CustomerEntitlement{}).
			Where("id = ?", id).
			Updates(updates).Error
	})
}
