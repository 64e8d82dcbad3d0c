// Package square implements the connector contract against the Square
// Connect v2 API. Items arrive through the cursor-paginated catalog list
// endpoint; stock counts come from the batch inventory endpoints. Square
// money amounts are already integer minor units, so no decimal conversion
// happens here.
package square

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentstation/utc"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/connectors"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

const (
	defaultBaseURL = "https://connect.squareup.com/v2"
	// Square meters roughly 10 QPS per application.
	requestsPerSecond = 10
	requestBurst      = 10

	batchSize = 100
)

// Connector talks to the Square Connect v2 API.
type Connector struct {
	client  *connectors.Client
	baseURL string
}

// New creates a Square connector with the platform's standard rate limit.
func New() *Connector {
	return &Connector{
		client:  connectors.NewClient(platforms.Square, rate.NewLimiter(requestsPerSecond, requestBurst)),
		baseURL: defaultBaseURL,
	}
}

// NewWithClient creates a connector over a custom API client and base URL,
// used by tests.
func NewWithClient(client *connectors.Client, baseURL string) *Connector {
	return &Connector{client: client, baseURL: baseURL}
}

// Platform returns platforms.Square.
func (c *Connector) Platform() platforms.Platform {
	return platforms.Square
}

func authHeaders(conn store.Connection) map[string]string {
	return map[string]string{"Authorization": "Bearer " + conn.Credentials.AccessToken}
}

// ---- wire types ----

type addressDTO struct {
	AddressLine1 string `json:"address_line_1,omitempty"`
	Locality     string `json:"locality,omitempty"`
	Country      string `json:"country,omitempty"`
}

type locationDTO struct {
	ID      string      `json:"id,omitempty"`
	Name    string      `json:"name"`
	Status  string      `json:"status,omitempty"`
	Address *addressDTO `json:"address,omitempty"`
}

type moneyDTO struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type variationDataDTO struct {
	ItemID     string    `json:"item_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	SKU        string    `json:"sku,omitempty"`
	UPC        string    `json:"upc,omitempty"`
	PriceMoney *moneyDTO `json:"price_money,omitempty"`
}

type itemDataDTO struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Variations  []*objectDTO `json:"variations,omitempty"`
	ImageURLs   []string     `json:"ecom_image_uris,omitempty"`
}

type objectDTO struct {
	Type              string            `json:"type"`
	ID                string            `json:"id"`
	UpdatedAt         string            `json:"updated_at,omitempty"`
	ItemData          *itemDataDTO      `json:"item_data,omitempty"`
	ItemVariationData *variationDataDTO `json:"item_variation_data,omitempty"`
}

type countDTO struct {
	CatalogObjectID string `json:"catalog_object_id"`
	LocationID      string `json:"location_id"`
	State           string `json:"state"`
	Quantity        string `json:"quantity"`
	CalculatedAt    string `json:"calculated_at"`
}

type idMappingDTO struct {
	ClientObjectID string `json:"client_object_id"`
	ObjectID       string `json:"object_id"`
}

// ---- fetch ----

// FetchLocations returns the merchant's locations.
func (c *Connector) FetchLocations(ctx context.Context, conn store.Connection) ([]*catalog.Location, error) {
	var payload struct {
		Locations []locationDTO `json:"locations"`
	}
	if _, err := c.client.DoJSON(ctx, http.MethodGet, c.baseURL+"/locations", authHeaders(conn), nil, &payload); err != nil {
		return nil, err
	}

	out := make([]*catalog.Location, 0, len(payload.Locations))
	for _, dto := range payload.Locations {
		out = append(out, &catalog.Location{
			Name:        dto.Name,
			Active:      dto.Status == "ACTIVE",
			Address:     formatAddress(dto.Address),
			ExternalIDs: catalog.ExternalIDs{platforms.Square: dto.ID},
		})
	}
	return out, nil
}

// FetchCatalog returns all items with variations and per-location stock
// counts nested.
func (c *Connector) FetchCatalog(ctx context.Context, conn store.Connection) ([]*catalog.Product, error) {
	var (
		products []*catalog.Product
		// variation object ID -> fetched variant, for attaching counts
		variationVariants = map[string]*catalog.Variant{}
		variationIDs      []string
		seen              = map[string]bool{}
	)

	cursor := ""
	for {
		url := c.baseURL + "/catalog/list?types=ITEM"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		var payload struct {
			Objects []objectDTO `json:"objects"`
			Cursor  string      `json:"cursor"`
		}
		if _, err := c.client.DoJSON(ctx, http.MethodGet, url, authHeaders(conn), nil, &payload); err != nil {
			return nil, err
		}

		for _, obj := range payload.Objects {
			if obj.Type != "ITEM" || obj.ItemData == nil || seen[obj.ID] {
				continue
			}
			seen[obj.ID] = true

			p := &catalog.Product{
				Title:       obj.ItemData.Name,
				Description: obj.ItemData.Description,
				Images:      obj.ItemData.ImageURLs,
				ExternalIDs: catalog.ExternalIDs{platforms.Square: obj.ID},
				UpdatedAt:   parseTime(obj.UpdatedAt),
			}
			for _, vobj := range obj.ItemData.Variations {
				if vobj.ItemVariationData == nil {
					continue
				}
				data := vobj.ItemVariationData
				v := &catalog.Variant{
					SKU:         data.SKU,
					Barcode:     data.UPC,
					ExternalIDs: catalog.ExternalIDs{platforms.Square: vobj.ID},
					UpdatedAt:   parseTime(vobj.UpdatedAt),
				}
				if data.PriceMoney != nil {
					v.Price = data.PriceMoney.Amount
				}
				p.Variants = append(p.Variants, v)
				variationVariants[vobj.ID] = v
				variationIDs = append(variationIDs, vobj.ID)
			}
			products = append(products, p)
		}

		if payload.Cursor == "" {
			break
		}
		cursor = payload.Cursor
	}

	if err := c.attachCounts(ctx, conn, variationIDs, variationVariants); err != nil {
		return nil, err
	}
	return products, nil
}

// attachCounts batch-retrieves IN_STOCK counts for the collected
// variations and attaches them to their variants.
func (c *Connector) attachCounts(ctx context.Context, conn store.Connection, variationIDs []string, variationVariants map[string]*catalog.Variant) error {
	for start := 0; start < len(variationIDs); start += batchSize {
		end := min(start+batchSize, len(variationIDs))
		body := map[string]any{
			"catalog_object_ids": variationIDs[start:end],
			"states":             []string{"IN_STOCK"},
		}

		cursor := ""
		for {
			if cursor != "" {
				body["cursor"] = cursor
			}
			var payload struct {
				Counts []countDTO `json:"counts"`
				Cursor string     `json:"cursor"`
			}
			if _, err := c.client.DoJSON(ctx, http.MethodPost, c.baseURL+"/inventory/counts/batch-retrieve", authHeaders(conn), body, &payload); err != nil {
				return err
			}

			for _, count := range payload.Counts {
				v, ok := variationVariants[count.CatalogObjectID]
				if !ok || count.State != "IN_STOCK" {
					continue
				}
				qty, err := parseQuantity(count.Quantity)
				if err != nil {
					return errors.NewConnectorDataError(platforms.Square, "parse inventory count", err)
				}
				v.Inventory = append(v.Inventory, &catalog.InventoryLevel{
					LocationID: count.LocationID,
					Available:  qty,
					UpdatedAt:  parseTime(count.CalculatedAt),
				})
			}

			if payload.Cursor == "" {
				break
			}
			cursor = payload.Cursor
		}
	}
	return nil
}

// ---- push ----

// PushProductCreate upserts the item with temporary client IDs and merges
// the platform-assigned IDs back via the response's ID mappings.
func (c *Connector) PushProductCreate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error) {
	return c.upsertItem(ctx, conn, p)
}

// PushProductUpdate upserts the item under its existing object ID.
func (c *Connector) PushProductUpdate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error) {
	if p.ExternalIDs.Get(platforms.Square) == "" {
		return nil, &errors.UnresolvedMappingError{Platform: platforms.Square, EntityType: platforms.EntityProduct, InternalID: p.ID}
	}
	return c.upsertItem(ctx, conn, p)
}

func (c *Connector) upsertItem(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error) {
	itemID := p.ExternalIDs.Get(platforms.Square)
	if itemID == "" {
		itemID = "#item"
	}

	variations := make([]*objectDTO, 0, len(p.Variants))
	for i, v := range p.Variants {
		vid := v.ExternalIDs.Get(platforms.Square)
		if vid == "" {
			vid = fmt.Sprintf("#variation-%d", i)
		}
		variations = append(variations, &objectDTO{
			Type: "ITEM_VARIATION",
			ID:   vid,
			ItemVariationData: &variationDataDTO{
				ItemID: itemID,
				Name:   v.SKU,
				SKU:    v.SKU,
				UPC:    v.Barcode,
				PriceMoney: &moneyDTO{
					Amount:   v.Price,
					Currency: "USD",
				},
			},
		})
	}

	body := map[string]any{
		"idempotency_key": uuid.NewString(),
		"object": &objectDTO{
			Type: "ITEM",
			ID:   itemID,
			ItemData: &itemDataDTO{
				Name:        p.Title,
				Description: p.Description,
				Variations:  variations,
			},
		},
	}

	var payload struct {
		CatalogObject objectDTO      `json:"catalog_object"`
		IDMappings    []idMappingDTO `json:"id_mappings"`
	}
	if _, err := c.client.DoJSON(ctx, http.MethodPost, c.baseURL+"/catalog/object", authHeaders(conn), body, &payload); err != nil {
		return nil, err
	}

	assigned := make(map[string]string, len(payload.IDMappings))
	for _, m := range payload.IDMappings {
		assigned[m.ClientObjectID] = m.ObjectID
	}
	if id, ok := assigned[itemID]; ok {
		if p.ExternalIDs == nil {
			p.ExternalIDs = catalog.ExternalIDs{}
		}
		p.ExternalIDs.Set(platforms.Square, id)
	}
	for i, v := range p.Variants {
		clientID := fmt.Sprintf("#variation-%d", i)
		if id, ok := assigned[clientID]; ok {
			if v.ExternalIDs == nil {
				v.ExternalIDs = catalog.ExternalIDs{}
			}
			v.ExternalIDs.Set(platforms.Square, id)
		}
	}
	return p, nil
}

// PushInventoryLevel records a physical count for a variation at a
// location, which sets its IN_STOCK quantity.
func (c *Connector) PushInventoryLevel(ctx context.Context, conn store.Connection, variantExternalID, locationExternalID string, quantity int64) error {
	body := map[string]any{
		"idempotency_key": uuid.NewString(),
		"changes": []map[string]any{{
			"type": "PHYSICAL_COUNT",
			"physical_count": map[string]any{
				"catalog_object_id": variantExternalID,
				"location_id":       locationExternalID,
				"state":             "IN_STOCK",
				"quantity":          strconv.FormatInt(quantity, 10),
				"occurred_at":       utc.Now().Format(time.RFC3339),
			},
		}},
	}
	_, err := c.client.DoJSON(ctx, http.MethodPost, c.baseURL+"/inventory/changes/batch-create", authHeaders(conn), body, nil)
	return err
}

// CreateLocation creates the location and merges the assigned ID back in.
func (c *Connector) CreateLocation(ctx context.Context, conn store.Connection, l *catalog.Location) (*catalog.Location, error) {
	body := map[string]any{
		"location": locationDTO{
			Name:    l.Name,
			Address: &addressDTO{AddressLine1: l.Address},
		},
	}
	var payload struct {
		Location locationDTO `json:"location"`
	}
	if _, err := c.client.DoJSON(ctx, http.MethodPost, c.baseURL+"/locations", authHeaders(conn), body, &payload); err != nil {
		return nil, err
	}
	if l.ExternalIDs == nil {
		l.ExternalIDs = catalog.ExternalIDs{}
	}
	l.ExternalIDs.Set(platforms.Square, payload.Location.ID)
	l.Active = payload.Location.Status == "ACTIVE" || payload.Location.Status == ""
	return l, nil
}

// ---- helpers ----

func formatAddress(a *addressDTO) string {
	if a == nil {
		return ""
	}
	var parts []string
	for _, p := range []string{a.AddressLine1, a.Locality, a.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// parseQuantity reads Square's decimal-string quantities, truncating any
// fractional part since the canonical model counts whole units.
func parseQuantity(s string) (int64, error) {
	whole, _, _ := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" {
		return 0, nil
	}
	return strconv.ParseInt(whole, 10, 64)
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
