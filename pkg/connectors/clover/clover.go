// Package clover implements the connector contract against the Clover
// REST API. Clover has no product/variant hierarchy and no multi-location
// inventory: each item becomes a single-variant product, and the merchant
// itself is exposed as the one location. Prices and stock already arrive
// as integers, timestamps as epoch milliseconds.
package clover

import (
	"context"
	"fmt"
	"net/http"
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
	defaultBaseURL = "https://api.clover.com"
	pageLimit      = 100
	// Clover allows 16 requests/second per token.
	requestsPerSecond = 15
	requestBurst      = 16

	// Credentials.Extra key holding the merchant ID every endpoint is
	// scoped by.
	MerchantIDKey = "merchant_id"
)

// Connector talks to the Clover v3 merchant API.
type Connector struct {
	client  *connectors.Client
	baseURL string
}

// New creates a Clover connector with the platform's standard rate limit.
func New() *Connector {
	return &Connector{
		client:  connectors.NewClient(platforms.Clover, rate.NewLimiter(requestsPerSecond, requestBurst)),
		baseURL: defaultBaseURL,
	}
}

// NewWithClient creates a connector over a custom API client and base URL,
// used by tests.
func NewWithClient(client *connectors.Client, baseURL string) *Connector {
	return &Connector{client: client, baseURL: baseURL}
}

// Platform returns platforms.Clover.
func (c *Connector) Platform() platforms.Platform {
	return platforms.Clover
}

func (c *Connector) merchantURL(conn store.Connection) (string, error) {
	merchantID := conn.Credentials.Extra[MerchantIDKey]
	if merchantID == "" {
		return "", errors.NewConnectorAuthError(platforms.Clover, "resolve merchant", "connection has no merchant_id credential")
	}
	return fmt.Sprintf("%s/v3/merchants/%s", c.baseURL, merchantID), nil
}

func authHeaders(conn store.Connection) map[string]string {
	return map[string]string{"Authorization": "Bearer " + conn.Credentials.AccessToken}
}

// ---- wire types ----

type merchantDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address *struct {
		Address1 string `json:"address1"`
		City     string `json:"city"`
		Country  string `json:"country"`
	} `json:"address"`
}

type itemStockDTO struct {
	Quantity     float64 `json:"quantity"`
	ModifiedTime int64   `json:"modifiedTime"`
}

type itemDTO struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	SKU          string        `json:"sku"`
	Code         string        `json:"code"`
	Price        int64         `json:"price"`
	Hidden       bool          `json:"hidden"`
	ModifiedTime int64         `json:"modifiedTime"`
	ItemStock    *itemStockDTO `json:"itemStock"`
}

// ---- fetch ----

// FetchLocations returns the merchant as the single location Clover has.
func (c *Connector) FetchLocations(ctx context.Context, conn store.Connection) ([]*catalog.Location, error) {
	url, err := c.merchantURL(conn)
	if err != nil {
		return nil, err
	}
	var dto merchantDTO
	if _, err := c.client.DoJSON(ctx, http.MethodGet, url, authHeaders(conn), nil, &dto); err != nil {
		return nil, err
	}

	address := ""
	if dto.Address != nil {
		for _, p := range []string{dto.Address.Address1, dto.Address.City, dto.Address.Country} {
			if p == "" {
				continue
			}
			if address != "" {
				address += ", "
			}
			address += p
		}
	}
	return []*catalog.Location{{
		Name:        dto.Name,
		Active:      true,
		Address:     address,
		ExternalIDs: catalog.ExternalIDs{platforms.Clover: dto.ID},
	}}, nil
}

// FetchCatalog returns all items, each wrapped as a single-variant product
// carrying the item's stock at the merchant location.
func (c *Connector) FetchCatalog(ctx context.Context, conn store.Connection) ([]*catalog.Product, error) {
	merchantURL, err := c.merchantURL(conn)
	if err != nil {
		return nil, err
	}
	merchantID := conn.Credentials.Extra[MerchantIDKey]

	var (
		products []*catalog.Product
		seen     = map[string]bool{}
	)
	for offset := 0; ; offset += pageLimit {
		url := fmt.Sprintf("%s/items?expand=itemStock&limit=%d&offset=%d", merchantURL, pageLimit, offset)
		var payload struct {
			Elements []itemDTO `json:"elements"`
		}
		if _, err := c.client.DoJSON(ctx, http.MethodGet, url, authHeaders(conn), nil, &payload); err != nil {
			return nil, err
		}

		for _, dto := range payload.Elements {
			if seen[dto.ID] {
				continue
			}
			seen[dto.ID] = true

			updated := parseEpochMillis(dto.ModifiedTime)
			v := &catalog.Variant{
				SKU:         dto.SKU,
				Barcode:     dto.Code,
				Price:       dto.Price,
				ExternalIDs: catalog.ExternalIDs{platforms.Clover: dto.ID},
				UpdatedAt:   updated,
			}
			if dto.ItemStock != nil {
				v.Inventory = []*catalog.InventoryLevel{{
					LocationID: merchantID,
					Available:  int64(dto.ItemStock.Quantity),
					UpdatedAt:  parseEpochMillis(dto.ItemStock.ModifiedTime),
				}}
			}
			products = append(products, &catalog.Product{
				Title:       dto.Name,
				Variants:    []*catalog.Variant{v},
				ExternalIDs: catalog.ExternalIDs{platforms.Clover: dto.ID},
				UpdatedAt:   updated,
			})
		}

		if len(payload.Elements) < pageLimit {
			break
		}
	}
	return products, nil
}

// ---- push ----

// PushProductCreate creates one item per variant. Clover cannot represent
// a multi-variant product, so the first variant's identity becomes the
// product's platform ID as well.
func (c *Connector) PushProductCreate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error) {
	merchantURL, err := c.merchantURL(conn)
	if err != nil {
		return nil, err
	}

	for i, v := range p.Variants {
		body := itemBody(p, v)
		var created itemDTO
		if _, err := c.client.DoJSON(ctx, http.MethodPost, merchantURL+"/items", authHeaders(conn), body, &created); err != nil {
			return nil, err
		}
		if v.ExternalIDs == nil {
			v.ExternalIDs = catalog.ExternalIDs{}
		}
		v.ExternalIDs.Set(platforms.Clover, created.ID)
		if i == 0 {
			if p.ExternalIDs == nil {
				p.ExternalIDs = catalog.ExternalIDs{}
			}
			p.ExternalIDs.Set(platforms.Clover, created.ID)
		}
	}
	return p, nil
}

// PushProductUpdate updates each variant's backing item in place.
func (c *Connector) PushProductUpdate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error) {
	merchantURL, err := c.merchantURL(conn)
	if err != nil {
		return nil, err
	}

	for _, v := range p.Variants {
		itemID := v.ExternalIDs.Get(platforms.Clover)
		if itemID == "" {
			// Variant added since the item was first synced.
			var created itemDTO
			if _, err := c.client.DoJSON(ctx, http.MethodPost, merchantURL+"/items", authHeaders(conn), itemBody(p, v), &created); err != nil {
				return nil, err
			}
			if v.ExternalIDs == nil {
				v.ExternalIDs = catalog.ExternalIDs{}
			}
			v.ExternalIDs.Set(platforms.Clover, created.ID)
			continue
		}
		url := fmt.Sprintf("%s/items/%s", merchantURL, itemID)
		if _, err := c.client.DoJSON(ctx, http.MethodPost, url, authHeaders(conn), itemBody(p, v), nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// PushInventoryLevel sets the item's stock quantity. Clover tracks stock
// per merchant, so the location ID carries no extra addressing here.
func (c *Connector) PushInventoryLevel(ctx context.Context, conn store.Connection, variantExternalID, _ string, quantity int64) error {
	merchantURL, err := c.merchantURL(conn)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/item_stocks/%s", merchantURL, variantExternalID)
	body := map[string]any{"quantity": quantity}
	_, err = c.client.DoJSON(ctx, http.MethodPost, url, authHeaders(conn), body, nil)
	return err
}

// CreateLocation is not supported: a Clover merchant is its own single
// location.
func (c *Connector) CreateLocation(_ context.Context, _ store.Connection, _ *catalog.Location) (*catalog.Location, error) {
	return nil, errors.NewConnectorDataError(platforms.Clover, "create_location",
		fmt.Errorf("clover has a single merchant-level location"))
}

// ---- helpers ----

// itemBody renders a variant as a Clover item. Single-variant products use
// the product title alone; additional variants append their SKU so items
// stay distinguishable in the merchant dashboard.
func itemBody(p *catalog.Product, v *catalog.Variant) map[string]any {
	name := p.Title
	if len(p.Variants) > 1 && v.SKU != "" {
		name = p.Title + " " + v.SKU
	}
	return map[string]any{
		"name":  name,
		"sku":   v.SKU,
		"code":  v.Barcode,
		"price": v.Price,
	}
}

func parseEpochMillis(ms int64) utc.Time {
	if ms == 0 {
		return utc.Time{}
	}
	return utc.New(time.UnixMilli(ms))
}
