package authority

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/pkg/platforms"
)

func TestDefaultsNamePlatformForPricing(t *testing.T) {
	p := New()

	rule := p.Find("Price", platforms.EntityVariant)
	require.NotNil(t, rule)
	assert.Equal(t, ModePlatform, rule.Mode)
	assert.Equal(t, platforms.Shopify, rule.Platform)
}

func TestDefaultsNewestWinsForPhysicalAttributes(t *testing.T) {
	p := New()

	for _, field := range []string{"Barcode", "WeightGrams", "SKU"} {
		rule := p.Find(field, platforms.EntityVariant)
		require.NotNil(t, rule, "no rule for %s", field)
		assert.Equal(t, ModeNewest, rule.Mode, "field %s", field)
	}
}

func TestInventoryWildcardMatches(t *testing.T) {
	p := New()

	rule := p.Find("Inventory.Available", platforms.EntityVariant)
	require.NotNil(t, rule)
	assert.Equal(t, ModeNewest, rule.Mode)
}

func TestRankedOrdersByPriority(t *testing.T) {
	p := New()

	ranked := p.Ranked("Title", platforms.EntityProduct)
	require.Len(t, ranked, 3)
	assert.Equal(t, platforms.Shopify, ranked[0].Platform)
	assert.Equal(t, platforms.Square, ranked[1].Platform)
	assert.Equal(t, platforms.Clover, ranked[2].Platform)
}

func TestUnknownFieldHasNoRule(t *testing.T) {
	p := New()
	assert.Nil(t, p.Find("Nonexistent", platforms.EntityProduct))
	assert.Empty(t, p.Ranked("Nonexistent", platforms.EntityProduct))
}

func TestByFieldPrefersSpecificPattern(t *testing.T) {
	rules := []Rule{
		{Path: "Inventory.*", Mode: ModeNewest, Priority: 100},
		{Path: "Inventory.Available", Mode: ModePlatform, Platform: platforms.Square, Priority: 100},
	}
	best := ByField("Inventory.Available", rules)
	require.NotNil(t, best)
	assert.Equal(t, ModePlatform, best.Mode, "longer pattern wins at equal priority")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authority.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
variant:
  - path: Price
    mode: platform
    platform: square
    priority: 120
product:
  - path: Title
    mode: newest
    priority: 110
`), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)

	price := p.Find("Price", platforms.EntityVariant)
	require.NotNil(t, price)
	assert.Equal(t, platforms.Square, price.Platform)
	assert.Equal(t, 120, price.Priority)

	title := p.Find("Title", platforms.EntityProduct)
	require.NotNil(t, title)
	assert.Equal(t, ModeNewest, title.Mode)

	// Untouched defaults survive the overlay.
	desc := p.Find("Description", platforms.EntityProduct)
	require.NotNil(t, desc)
	assert.Equal(t, platforms.Shopify, desc.Platform)
}

func TestLoadFileRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown platform",
			yaml: "variant:\n  - path: Price\n    mode: platform\n    platform: etsy\n    priority: 10\n",
		},
		{
			name: "unknown mode",
			yaml: "variant:\n  - path: Price\n    mode: oldest\n    priority: 10\n",
		},
		{
			name: "newest with platform",
			yaml: "variant:\n  - path: Price\n    mode: newest\n    platform: shopify\n    priority: 10\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "authority.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}
