// Package ledger keeps resource stacks: one row per (type, asset, asset
// type, owner) with a positive count. Stacks are created on the first
// deposit and deleted when they drop to zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// Epsilon is the smallest count a stack may hold.
const Epsilon = 0.001

// Key identifies a stack.
type Key struct {
	Type      string
	Asset     string
	AssetType string
	Owner     string
}

// AtBuilding is a stack stored in a building.
func AtBuilding(buildingID, owner, resourceType string) Key {
	return Key{Type: resourceType, Asset: buildingID, AssetType: model.AssetBuilding, Owner: owner}
}

// Carried is a stack in a citizen's inventory.
func Carried(username, owner, resourceType string) Key {
	return Key{Type: resourceType, Asset: username, AssetType: model.AssetCitizen, Owner: owner}
}

func (k Key) filter() store.Filter {
	return store.And(
		store.Eq("Type", k.Type),
		store.Eq("Asset", k.Asset),
		store.Eq("AssetType", k.AssetType),
		store.Eq("Owner", k.Owner),
	)
}

// Find returns the stack for k, or nil.
func Find(ctx context.Context, s store.Store, k Key) (*model.Resource, error) {
	rec, err := store.FindOne(ctx, s, store.Resources, k.filter())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.Decode[model.Resource](rec)
}

// Adjust adds delta (possibly negative) to the stack for k and returns
// the new count. A stack that would fall to Epsilon or below is deleted;
// a missing stack is created only for a positive delta.
func Adjust(ctx context.Context, s store.Store, k Key, delta float64, now time.Time, notes string) (float64, error) {
	existing, err := Find(ctx, s, k)
	if err != nil {
		return 0, fmt.Errorf("adjust %s at %s: %w", k.Type, k.Asset, err)
	}
	if existing != nil {
		next := existing.Count + delta
		if next <= Epsilon {
			if err := s.Delete(ctx, store.Resources, existing.RecordID); err != nil {
				return 0, fmt.Errorf("delete stack %s: %w", existing.ResourceId, err)
			}
			slog.Debug("stack emptied", "type", k.Type, "asset", k.Asset, "owner", k.Owner)
			return 0, nil
		}
		if _, err := s.Update(ctx, store.Resources, existing.RecordID, store.Fields{"Count": next}); err != nil {
			return 0, fmt.Errorf("update stack %s: %w", existing.ResourceId, err)
		}
		return next, nil
	}
	if delta <= Epsilon {
		return 0, nil
	}
	fields := store.Fields{
		"ResourceId": model.NewID("resource"),
		"Type":       k.Type,
		"Name":       catalog.Default().ResourceName(k.Type),
		"Asset":      k.Asset,
		"AssetType":  k.AssetType,
		"Owner":      k.Owner,
		"Count":      delta,
		"CreatedAt":  now.UTC(),
	}
	if notes != "" {
		fields["Notes"] = notes
	}
	if _, err := s.Create(ctx, store.Resources, fields); err != nil {
		return 0, fmt.Errorf("create stack %s at %s: %w", k.Type, k.Asset, err)
	}
	return delta, nil
}

// Move takes amount from one stack and adds it to another.
func Move(ctx context.Context, s store.Store, from, to Key, amount float64, now time.Time) error {
	if _, err := Adjust(ctx, s, from, -amount, now, ""); err != nil {
		return err
	}
	if _, err := Adjust(ctx, s, to, amount, now, ""); err != nil {
		// Put the goods back so they are not lost.
		if _, rerr := Adjust(ctx, s, from, amount, now, ""); rerr != nil {
			slog.Error("stack move rollback failed", "type", from.Type, "from", from.Asset, "error", rerr)
		}
		return err
	}
	return nil
}

// Inventory lists the stacks a citizen carries.
func Inventory(ctx context.Context, s store.Store, username string) ([]*model.Resource, error) {
	return model.List[model.Resource](ctx, s, store.Resources, store.Query{
		Filter: store.And(store.Eq("Asset", username), store.Eq("AssetType", model.AssetCitizen)),
		Sort:   []store.Sort{{Field: "Type"}},
	})
}

// CurrentLoad is the total count a citizen carries.
func CurrentLoad(ctx context.Context, s store.Store, username string) (float64, error) {
	stacks, err := Inventory(ctx, s, username)
	if err != nil {
		return 0, err
	}
	return total(stacks), nil
}

// Stored lists the stacks at a building, optionally for one owner.
func Stored(ctx context.Context, s store.Store, buildingID, owner string) ([]*model.Resource, error) {
	f := store.And(store.Eq("Asset", buildingID), store.Eq("AssetType", model.AssetBuilding))
	if owner != "" {
		f = store.And(f, store.Eq("Owner", owner))
	}
	return model.List[model.Resource](ctx, s, store.Resources, store.Query{Filter: f})
}

// StorageDetails returns the total held for owner at a building and the
// count per resource type.
func StorageDetails(ctx context.Context, s store.Store, buildingID, owner string) (float64, map[string]float64, error) {
	stacks, err := Stored(ctx, s, buildingID, owner)
	if err != nil {
		return 0, nil, err
	}
	byType := make(map[string]float64, len(stacks))
	for _, st := range stacks {
		byType[st.Type] += st.Count
	}
	return total(stacks), byType, nil
}

// BuildingLoad is the total count at a building across all owners.
func BuildingLoad(ctx context.Context, s store.Store, buildingID string) (float64, error) {
	stacks, err := Stored(ctx, s, buildingID, "")
	if err != nil {
		return 0, err
	}
	return total(stacks), nil
}

// EffectiveCapacity is the citizen's override when positive, else the
// default carry capacity.
func EffectiveCapacity(c *model.Citizen) float64 {
	if c.CarryCapacityOverride > 0 {
		return c.CarryCapacityOverride
	}
	return catalog.DefaultCarryCapacity
}

// FreeCarry is how much more a citizen can pick up.
func FreeCarry(ctx context.Context, s store.Store, c *model.Citizen) (float64, error) {
	load, err := CurrentLoad(ctx, s, c.Username)
	if err != nil {
		return 0, err
	}
	free := EffectiveCapacity(c) - load
	if free < 0 {
		return 0, nil
	}
	return free, nil
}

func total(stacks []*model.Resource) float64 {
	var sum float64
	for _, st := range stacks {
		sum += st.Count
	}
	return sum
}
