// Package detector compares each platform's observations against the
// field-authority policy and emits the corrective actions that bring the
// platforms back into agreement. For every field the policy names a
// winner, either a fixed platform or the freshest observation; the winning
// value becomes canonical and every platform observed disagreeing with it
// gets a write. Output order is normalized, so identical inputs always
// produce an identical action list.
package detector

import (
	"context"
	"reflect"
	"sort"

	"github.com/agentstation/utc"

	"github.com/shelfsync/shelfsync/pkg/authority"
	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/consolidator"
	"github.com/shelfsync/shelfsync/pkg/identity"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// Detector derives corrective actions from a consolidated graph.
type Detector struct {
	policy    authority.Policy
	canonical store.CanonicalStore
}

// New creates a Detector applying the given policy.
func New(policy authority.Policy, canonical store.CanonicalStore) *Detector {
	return &Detector{policy: policy, canonical: canonical}
}

// Detect walks the graph, settles every field per the policy, persists the
// settled values canonically, and returns the normalized action list.
func (d *Detector) Detect(ctx context.Context, g *consolidator.Graph) ([]Action, error) {
	var actions []Action

	for _, id := range g.LocationIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		locActions, err := d.detectLocation(ctx, g, g.Locations[id])
		if err != nil {
			return nil, err
		}
		actions = append(actions, locActions...)
	}

	for _, id := range g.ProductIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prodActions, err := d.detectProduct(ctx, g, g.Products[id])
		if err != nil {
			return nil, err
		}
		actions = append(actions, prodActions...)
	}

	sortActions(actions)
	return actions, nil
}

// fieldObs is one platform's value for a single field.
type fieldObs struct {
	platform platforms.Platform
	value    any
	at       utc.Time
}

// settle picks the winning observation for a field. Platform-mode rules
// are walked in ranked order and the first platform with an observation
// wins; newest-wins rules (and platform rules with no observing platform)
// take the freshest observation, ties broken by platform order.
func (d *Detector) settle(fieldPath string, entityType platforms.EntityType, obs []fieldObs) (fieldObs, bool) {
	if len(obs) == 0 {
		return fieldObs{}, false
	}

	rules := d.policy.Ranked(fieldPath, entityType)
	for _, r := range rules {
		if r.Mode != authority.ModePlatform {
			continue
		}
		for _, o := range obs {
			if o.platform == r.Platform {
				return o, true
			}
		}
	}

	best := obs[0]
	for _, o := range obs[1:] {
		if o.at.After(best.at) || (o.at.Equal(best.at) && o.platform < best.platform) {
			best = o
		}
	}
	return best, true
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// ---- locations ----

func (d *Detector) detectLocation(ctx context.Context, g *consolidator.Graph, node *consolidator.LocationNode) ([]Action, error) {
	desired := *node.Canonical
	changed := false

	for _, field := range []string{"Name", "Address", "Active"} {
		var obs []fieldObs
		for p, o := range node.Observations {
			obs = append(obs, fieldObs{platform: p, value: locationField(o, field), at: o.UpdatedAt})
		}
		winner, ok := d.settle(field, platforms.EntityLocation, obs)
		if !ok {
			continue
		}
		if !equal(locationField(&desired, field), winner.value) {
			setLocationField(&desired, field, winner.value)
			changed = true
		}
	}

	if changed {
		desired.UpdatedAt = utc.Now()
		if err := d.canonical.UpsertLocation(ctx, &desired); err != nil {
			return nil, err
		}
		node.Canonical = &desired
	}

	// Platforms with no observation and no known ID are missing the
	// location entirely.
	var actions []Action
	for _, p := range g.Platforms {
		if _, seen := node.Observations[p]; seen {
			continue
		}
		if node.Canonical.ExternalIDs.Has(p) {
			continue
		}
		actions = append(actions, Action{
			Kind:     KindCreateLocation,
			Platform: p,
			Location: node.Canonical,
		})
	}
	return actions, nil
}

func locationField(l *catalog.Location, field string) any {
	switch field {
	case "Name":
		return l.Name
	case "Address":
		return l.Address
	case "Active":
		return l.Active
	}
	return nil
}

func setLocationField(l *catalog.Location, field string, v any) {
	switch field {
	case "Name":
		l.Name = v.(string)
	case "Address":
		l.Address = v.(string)
	case "Active":
		l.Active = v.(bool)
	}
}

// ---- products ----

var productFields = []string{"Title", "Description", "Images"}

var variantFields = []string{
	"SKU", "Barcode", "Price", "CompareAtPrice",
	"WeightGrams", "RequiresShipping", "Taxable",
}

func (d *Detector) detectProduct(ctx context.Context, g *consolidator.Graph, node *consolidator.ProductNode) ([]Action, error) {
	desired := cloneProduct(node.Canonical)
	changed := false

	// fieldChanges accumulates per-platform disagreements across the
	// product and all its variants; one update action per platform results.
	fieldChanges := map[platforms.Platform][]FieldChange{}

	for _, field := range productFields {
		var obs []fieldObs
		for p, o := range node.Observations {
			obs = append(obs, fieldObs{platform: p, value: productField(o, field), at: o.UpdatedAt})
		}
		winner, ok := d.settle(field, platforms.EntityProduct, obs)
		if !ok {
			continue
		}
		if !equal(productField(desired, field), winner.value) {
			setProductField(desired, field, winner.value)
			changed = true
		}
		for _, o := range obs {
			if o.platform != winner.platform && !equal(o.value, winner.value) {
				fieldChanges[o.platform] = append(fieldChanges[o.platform], FieldChange{
					Field:    field,
					Observed: o.value,
					Desired:  winner.value,
				})
			}
		}
	}

	var actions []Action
	desired.Variants = desired.Variants[:0]
	for _, vid := range node.VariantIDs() {
		vnode := node.Variants[vid]
		dv, vchanged, err := d.settleVariant(ctx, vnode, fieldChanges)
		if err != nil {
			return nil, err
		}
		desired.Variants = append(desired.Variants, dv)
		changed = changed || vchanged

		invActions, err := d.detectInventory(ctx, vnode)
		if err != nil {
			return nil, err
		}
		actions = append(actions, invActions...)
	}

	if changed {
		desired.UpdatedAt = utc.Now()
		persisted := cloneProduct(desired)
		persisted.Variants = nil
		if err := d.canonical.UpsertProduct(ctx, persisted); err != nil {
			return nil, err
		}
		for _, v := range desired.Variants {
			if err := d.canonical.UpsertVariant(ctx, v); err != nil {
				return nil, err
			}
		}
		node.Canonical = desired
	}

	for p, changes := range fieldChanges {
		actions = append(actions, Action{
			Kind:     KindUpdateProduct,
			Platform: p,
			Product:  desired,
			Changes:  changes,
		})
	}

	for _, p := range g.Platforms {
		if _, seen := node.Observations[p]; seen {
			continue
		}
		if node.Canonical.ExternalIDs.Has(p) {
			continue
		}
		actions = append(actions, Action{
			Kind:     KindCreateProduct,
			Platform: p,
			Product:  desired,
		})
	}
	return actions, nil
}

// settleVariant resolves all fields of one variant and folds its
// disagreements into the per-platform change sets.
func (d *Detector) settleVariant(ctx context.Context, vnode *consolidator.VariantNode, fieldChanges map[platforms.Platform][]FieldChange) (*catalog.Variant, bool, error) {
	desired := cloneVariant(vnode.Canonical)
	changed := false

	for _, field := range variantFields {
		var obs []fieldObs
		for p, o := range vnode.Observations {
			obs = append(obs, fieldObs{platform: p, value: variantField(o, field), at: o.UpdatedAt})
		}
		winner, ok := d.settle(field, platforms.EntityVariant, obs)
		if !ok {
			continue
		}
		if !variantFieldEqual(field, variantField(desired, field), winner.value) {
			setVariantField(desired, field, winner.value)
			changed = true
		}
		for _, o := range obs {
			if o.platform != winner.platform && !variantFieldEqual(field, o.value, winner.value) {
				fieldChanges[o.platform] = append(fieldChanges[o.platform], FieldChange{
					Field:    field,
					Observed: o.value,
					Desired:  winner.value,
				})
			}
		}
	}

	return desired, changed, nil
}

// detectInventory settles each (variant, location) quantity independently.
func (d *Detector) detectInventory(ctx context.Context, vnode *consolidator.VariantNode) ([]Action, error) {
	var actions []Action

	for _, locID := range sortedKeys(vnode.Inventory) {
		byPlatform := vnode.Inventory[locID]

		var obs []fieldObs
		for p, lvl := range byPlatform {
			obs = append(obs, fieldObs{platform: p, value: lvl.Available, at: lvl.UpdatedAt})
		}
		winner, ok := d.settle("Inventory.Available", platforms.EntityVariant, obs)
		if !ok {
			continue
		}
		quantity := winner.value.(int64)
		if quantity < 0 {
			quantity = 0
		}

		if err := d.canonical.UpsertInventoryLevel(ctx, &catalog.InventoryLevel{
			VariantID:  vnode.Canonical.ID,
			LocationID: locID,
			Available:  quantity,
			UpdatedAt:  winner.at,
		}); err != nil {
			return nil, err
		}

		for _, o := range obs {
			if o.platform == winner.platform || o.value.(int64) == quantity {
				continue
			}
			actions = append(actions, Action{
				Kind:       KindSetInventory,
				Platform:   o.platform,
				VariantID:  vnode.Canonical.ID,
				LocationID: locID,
				Quantity:   quantity,
				Changes: []FieldChange{{
					Field:    "Inventory.Available",
					Observed: o.value,
					Desired:  quantity,
				}},
			})
		}
	}
	return actions, nil
}

// variantFieldEqual compares SKUs under normalization so width or case
// variants of the same SKU do not flap as perpetual updates.
func variantFieldEqual(field string, a, b any) bool {
	if field == "SKU" {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return identity.NormalizeSKU(as) == identity.NormalizeSKU(bs)
		}
	}
	return equal(a, b)
}

func productField(p *catalog.Product, field string) any {
	switch field {
	case "Title":
		return p.Title
	case "Description":
		return p.Description
	case "Images":
		return p.Images
	}
	return nil
}

func setProductField(p *catalog.Product, field string, v any) {
	switch field {
	case "Title":
		p.Title = v.(string)
	case "Description":
		p.Description = v.(string)
	case "Images":
		p.Images = v.([]string)
	}
}

func variantField(v *catalog.Variant, field string) any {
	switch field {
	case "SKU":
		return v.SKU
	case "Barcode":
		return v.Barcode
	case "Price":
		return v.Price
	case "CompareAtPrice":
		return v.CompareAtPrice
	case "WeightGrams":
		return v.WeightGrams
	case "RequiresShipping":
		return v.RequiresShipping
	case "Taxable":
		return v.Taxable
	}
	return nil
}

func setVariantField(v *catalog.Variant, field string, val any) {
	switch field {
	case "SKU":
		v.SKU = val.(string)
	case "Barcode":
		v.Barcode = val.(string)
	case "Price":
		v.Price = val.(int64)
	case "CompareAtPrice":
		v.CompareAtPrice = val.(int64)
	case "WeightGrams":
		v.WeightGrams = val.(int64)
	case "RequiresShipping":
		v.RequiresShipping = val.(bool)
	case "Taxable":
		v.Taxable = val.(bool)
	}
}

func cloneProduct(p *catalog.Product) *catalog.Product {
	out := *p
	out.Images = append([]string(nil), p.Images...)
	out.ExternalIDs = p.ExternalIDs.Clone()
	out.Variants = make([]*catalog.Variant, 0, len(p.Variants))
	for _, v := range p.Variants {
		out.Variants = append(out.Variants, cloneVariant(v))
	}
	return &out
}

func cloneVariant(v *catalog.Variant) *catalog.Variant {
	out := *v
	out.ExternalIDs = v.ExternalIDs.Clone()
	out.Inventory = nil
	return &out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
