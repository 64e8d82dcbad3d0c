// Package shopify implements the connector contract against the Shopify
// Admin REST API. Catalog fetches follow cursor pagination via the Link
// header; inventory is fetched per page of inventory item IDs. In fetch
// results, nested inventory levels reference their location by
// platform-native ID in LocationID, as the connector contract specifies.
package shopify

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentstation/utc"
	"golang.org/x/time/rate"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/connectors"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

const (
	apiVersion = "2024-01"
	pageLimit  = 250
	// REST Admin API standard plan: 2 requests/second with a burst bucket
	// of 40.
	requestsPerSecond = 2
	requestBurst      = 40
)

// Connector talks to the Shopify Admin REST API.
type Connector struct {
	client *connectors.Client
}

// New creates a Shopify connector with the platform's standard rate limit.
func New() *Connector {
	return &Connector{
		client: connectors.NewClient(platforms.Shopify, rate.NewLimiter(requestsPerSecond, requestBurst)),
	}
}

// NewWithClient creates a connector over a custom API client, used by tests.
func NewWithClient(client *connectors.Client) *Connector {
	return &Connector{client: client}
}

// Platform returns platforms.Shopify.
func (c *Connector) Platform() platforms.Platform {
	return platforms.Shopify
}

func baseURL(conn store.Connection) string {
	return fmt.Sprintf("https://%s/admin/api/%s", conn.Credentials.Domain, apiVersion)
}

func authHeaders(conn store.Connection) map[string]string {
	return map[string]string{"X-Shopify-Access-Token": conn.Credentials.AccessToken}
}

// ---- wire types ----

type locationDTO struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Address1 string `json:"address1"`
	City     string `json:"city"`
	Country  string `json:"country"`
}

type variantDTO struct {
	ID              int64  `json:"id"`
	SKU             string `json:"sku"`
	Barcode         string `json:"barcode"`
	Price           string `json:"price"`
	CompareAtPrice  string `json:"compare_at_price"`
	Grams           int64  `json:"grams"`
	RequiresShipping bool  `json:"requires_shipping"`
	Taxable         bool   `json:"taxable"`
	InventoryItemID int64  `json:"inventory_item_id"`
	UpdatedAt       string `json:"updated_at"`
}

type imageDTO struct {
	Src string `json:"src"`
}

type productDTO struct {
	ID        int64        `json:"id"`
	Title     string       `json:"title"`
	BodyHTML  string       `json:"body_html"`
	Images    []imageDTO   `json:"images"`
	Variants  []variantDTO `json:"variants"`
	UpdatedAt string       `json:"updated_at"`
}

type inventoryLevelDTO struct {
	InventoryItemID int64  `json:"inventory_item_id"`
	LocationID      int64  `json:"location_id"`
	Available       *int64 `json:"available"`
	UpdatedAt       string `json:"updated_at"`
}

// ---- fetch ----

// FetchLocations returns the shop's locations.
func (c *Connector) FetchLocations(ctx context.Context, conn store.Connection) ([]*catalog.Location, error) {
	var payload struct {
		Locations []locationDTO `json:"locations"`
	}
	if _, err := c.client.DoJSON(ctx, http.MethodGet, baseURL(conn)+"/locations.json", authHeaders(conn), nil, &payload); err != nil {
		return nil, err
	}

	out := make([]*catalog.Location, 0, len(payload.Locations))
	for _, dto := range payload.Locations {
		address := strings.TrimSpace(strings.Join(nonEmpty(dto.Address1, dto.City, dto.Country), ", "))
		out = append(out, &catalog.Location{
			Name:        dto.Name,
			Active:      dto.Active,
			Address:     address,
			ExternalIDs: catalog.ExternalIDs{platforms.Shopify: strconv.FormatInt(dto.ID, 10)},
		})
	}
	return out, nil
}

// FetchCatalog returns all products with variants and inventory levels
// nested, walking every page before returning.
func (c *Connector) FetchCatalog(ctx context.Context, conn store.Connection) ([]*catalog.Product, error) {
	var (
		products []*catalog.Product
		// inventory_item_id -> fetched variant, for attaching levels
		itemVariants = map[int64]*catalog.Variant{}
		itemIDs      []int64
		seen         = map[int64]bool{}
	)

	url := fmt.Sprintf("%s/products.json?limit=%d", baseURL(conn), pageLimit)
	for url != "" {
		var payload struct {
			Products []productDTO `json:"products"`
		}
		headers, err := c.client.DoJSON(ctx, http.MethodGet, url, authHeaders(conn), nil, &payload)
		if err != nil {
			return nil, err
		}

		for _, dto := range payload.Products {
			if seen[dto.ID] {
				continue
			}
			seen[dto.ID] = true

			p := &catalog.Product{
				Title:       dto.Title,
				Description: dto.BodyHTML,
				ExternalIDs: catalog.ExternalIDs{platforms.Shopify: strconv.FormatInt(dto.ID, 10)},
				UpdatedAt:   parseTime(dto.UpdatedAt),
			}
			for _, img := range dto.Images {
				p.Images = append(p.Images, img.Src)
			}
			for _, vdto := range dto.Variants {
				price, err := ParsePrice(vdto.Price)
				if err != nil {
					return nil, errors.NewConnectorDataError(platforms.Shopify, "parse variant price", err)
				}
				compareAt, _ := ParsePrice(vdto.CompareAtPrice)
				v := &catalog.Variant{
					SKU:              vdto.SKU,
					Barcode:          vdto.Barcode,
					Price:            price,
					CompareAtPrice:   compareAt,
					WeightGrams:      vdto.Grams,
					RequiresShipping: vdto.RequiresShipping,
					Taxable:          vdto.Taxable,
					ExternalIDs:      catalog.ExternalIDs{platforms.Shopify: strconv.FormatInt(vdto.ID, 10)},
					UpdatedAt:        parseTime(vdto.UpdatedAt),
				}
				p.Variants = append(p.Variants, v)
				itemVariants[vdto.InventoryItemID] = v
				itemIDs = append(itemIDs, vdto.InventoryItemID)
			}
			products = append(products, p)
		}

		url = nextPageURL(headers)
	}

	if err := c.attachInventory(ctx, conn, itemIDs, itemVariants); err != nil {
		return nil, err
	}
	return products, nil
}

// attachInventory fetches inventory levels for the collected inventory
// items in bounded batches and attaches them to their variants.
func (c *Connector) attachInventory(ctx context.Context, conn store.Connection, itemIDs []int64, itemVariants map[int64]*catalog.Variant) error {
	const batchSize = 50
	for start := 0; start < len(itemIDs); start += batchSize {
		end := min(start+batchSize, len(itemIDs))
		ids := make([]string, 0, end-start)
		for _, id := range itemIDs[start:end] {
			ids = append(ids, strconv.FormatInt(id, 10))
		}

		var payload struct {
			InventoryLevels []inventoryLevelDTO `json:"inventory_levels"`
		}
		url := fmt.Sprintf("%s/inventory_levels.json?inventory_item_ids=%s&limit=%d",
			baseURL(conn), strings.Join(ids, ","), pageLimit)
		if _, err := c.client.DoJSON(ctx, http.MethodGet, url, authHeaders(conn), nil, &payload); err != nil {
			return err
		}

		for _, lvl := range payload.InventoryLevels {
			v, ok := itemVariants[lvl.InventoryItemID]
			if ok && lvl.Available != nil {
				v.Inventory = append(v.Inventory, &catalog.InventoryLevel{
					LocationID: strconv.FormatInt(lvl.LocationID, 10),
					Available:  *lvl.Available,
					UpdatedAt:  parseTime(lvl.UpdatedAt),
				})
			}
		}
	}
	return nil
}

// ---- push ----

// PushProductCreate creates the product and merges the platform-assigned
// IDs back into it.
func (c *Connector) PushProductCreate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error) {
	var payload struct {
		Product productDTO `json:"product"`
	}
	body := map[string]any{"product": toProductDTO(p)}
	if _, err := c.client.DoJSON(ctx, http.MethodPost, baseURL(conn)+"/products.json", authHeaders(conn), body, &payload); err != nil {
		return nil, err
	}
	mergeAssignedIDs(p, payload.Product)
	return p, nil
}

// PushProductUpdate updates the product in place.
func (c *Connector) PushProductUpdate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error) {
	externalID := p.ExternalIDs.Get(platforms.Shopify)
	if externalID == "" {
		return nil, &errors.UnresolvedMappingError{Platform: platforms.Shopify, EntityType: platforms.EntityProduct, InternalID: p.ID}
	}
	var payload struct {
		Product productDTO `json:"product"`
	}
	body := map[string]any{"product": toProductDTO(p)}
	url := fmt.Sprintf("%s/products/%s.json", baseURL(conn), externalID)
	if _, err := c.client.DoJSON(ctx, http.MethodPut, url, authHeaders(conn), body, &payload); err != nil {
		return nil, err
	}
	mergeAssignedIDs(p, payload.Product)
	return p, nil
}

// PushInventoryLevel sets the available quantity for a variant at a
// location. Shopify addresses inventory by inventory item, so the variant
// is dereferenced first.
func (c *Connector) PushInventoryLevel(ctx context.Context, conn store.Connection, variantExternalID, locationExternalID string, quantity int64) error {
	var payload struct {
		Variant variantDTO `json:"variant"`
	}
	url := fmt.Sprintf("%s/variants/%s.json", baseURL(conn), variantExternalID)
	if _, err := c.client.DoJSON(ctx, http.MethodGet, url, authHeaders(conn), nil, &payload); err != nil {
		return err
	}

	body := map[string]any{
		"location_id":       mustInt(locationExternalID),
		"inventory_item_id": payload.Variant.InventoryItemID,
		"available":         quantity,
	}
	_, err := c.client.DoJSON(ctx, http.MethodPost, baseURL(conn)+"/inventory_levels/set.json", authHeaders(conn), body, nil)
	return err
}

// CreateLocation is not supported by the Shopify Admin REST API; locations
// are managed in the Shopify admin.
func (c *Connector) CreateLocation(_ context.Context, _ store.Connection, l *catalog.Location) (*catalog.Location, error) {
	return nil, errors.NewConnectorDataError(platforms.Shopify, "create_location",
		fmt.Errorf("shopify does not support location creation via API"))
}

// ---- helpers ----

func toProductDTO(p *catalog.Product) map[string]any {
	dto := map[string]any{
		"title":     p.Title,
		"body_html": p.Description,
	}
	if externalID := p.ExternalIDs.Get(platforms.Shopify); externalID != "" {
		dto["id"] = mustInt(externalID)
	}
	var images []map[string]any
	for _, src := range p.Images {
		images = append(images, map[string]any{"src": src})
	}
	if images != nil {
		dto["images"] = images
	}
	var variants []map[string]any
	for _, v := range p.Variants {
		vdto := map[string]any{
			"sku":               v.SKU,
			"barcode":           v.Barcode,
			"price":             FormatPrice(v.Price),
			"grams":             v.WeightGrams,
			"requires_shipping": v.RequiresShipping,
			"taxable":           v.Taxable,
		}
		if v.CompareAtPrice > 0 {
			vdto["compare_at_price"] = FormatPrice(v.CompareAtPrice)
		}
		if externalID := v.ExternalIDs.Get(platforms.Shopify); externalID != "" {
			vdto["id"] = mustInt(externalID)
		}
		variants = append(variants, vdto)
	}
	if variants != nil {
		dto["variants"] = variants
	}
	return dto
}

// mergeAssignedIDs copies platform-assigned product and variant IDs into
// the pushed entity. Variants are matched by position, then by SKU.
func mergeAssignedIDs(p *catalog.Product, dto productDTO) {
	if dto.ID != 0 {
		if p.ExternalIDs == nil {
			p.ExternalIDs = catalog.ExternalIDs{}
		}
		p.ExternalIDs.Set(platforms.Shopify, strconv.FormatInt(dto.ID, 10))
	}
	for i, vdto := range dto.Variants {
		var target *catalog.Variant
		if i < len(p.Variants) {
			target = p.Variants[i]
		} else {
			for _, v := range p.Variants {
				if v.SKU != "" && strings.EqualFold(v.SKU, vdto.SKU) {
					target = v
					break
				}
			}
		}
		if target != nil && vdto.ID != 0 {
			if target.ExternalIDs == nil {
				target.ExternalIDs = catalog.ExternalIDs{}
			}
			target.ExternalIDs.Set(platforms.Shopify, strconv.FormatInt(vdto.ID, 10))
		}
	}
}

var linkNextRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextPageURL extracts the next-page cursor URL from the Link header.
func nextPageURL(h http.Header) string {
	for _, link := range h.Values("Link") {
		if m := linkNextRe.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParsePrice converts a Shopify decimal price string into minor currency
// units. The empty string parses to zero.
func ParsePrice(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	num, negative := strings.CutPrefix(s, "-")
	whole, frac, _ := strings.Cut(num, ".")
	units, err := strconv.ParseUint(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	cents := int64(units) * 100
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseUint(frac, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("invalid price %q: %w", s, err)
		}
		cents += int64(f)
	}
	if negative {
		cents = -cents
	}
	return cents, nil
}

// FormatPrice renders minor currency units as a decimal price string.
func FormatPrice(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func parseTime(s string) utc.Time {
	if s == "" {
		return utc.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return utc.Time{}
	}
	return utc.New(t)
}

func mustInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func nonEmpty(parts ...string) []string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
