// Package sqlite implements the store interfaces on an embedded SQLite
// database via sqlx. Upserts use INSERT ... ON CONFLICT so that repeated
// identical writes are no-ops, and the mapping table's unique index
// serializes racing identity claims: the first writer of a platform-native
// ID wins and every later writer reads the surviving row back.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentstation/utc"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// Store implements store.MappingStore, store.CanonicalStore, and
// store.ConnectionDirectory on one SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at dsn and bootstraps the
// schema.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapResource("open", "database", dsn, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent upserts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, errors.WrapResource("configure", "database", dsn, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.WrapResource("migrate", "database", dsn, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- MappingStore ----

// GetInternalID returns the internal ID mapped to a platform-native ID.
func (s *Store) GetInternalID(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, platformID string) (string, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		SELECT internal_id FROM mappings
		WHERE platform = ? AND entity_type = ? AND platform_id = ? AND meta_key = ''`,
		platform, entityType, platformID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", errors.ErrNotFound
	}
	if err != nil {
		return "", errors.WrapResource("query", "mapping", platformID, err)
	}
	return id, nil
}

// GetPlatformID returns the platform-native ID mapped to an internal ID.
func (s *Store) GetPlatformID(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID string) (string, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		SELECT platform_id FROM mappings
		WHERE internal_id = ? AND platform = ? AND entity_type = ? AND meta_key = ''`,
		internalID, platform, entityType,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", errors.ErrNotFound
	}
	if err != nil {
		return "", errors.WrapResource("query", "mapping", internalID, err)
	}
	return id, nil
}

// SaveMapping upserts a mapping row and returns the surviving row. The
// partial unique index on (platform, entity_type, platform_id) makes a
// racing claim insert exactly one row; the loser reads the winner back.
func (s *Store) SaveMapping(ctx context.Context, m store.Mapping) (store.Mapping, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mappings (internal_id, platform, entity_type, platform_id, meta_key, meta_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (internal_id, platform, entity_type, meta_key)
			DO UPDATE SET platform_id = excluded.platform_id,
			              meta_value = excluded.meta_value,
			              updated_at = excluded.updated_at
		ON CONFLICT (platform, entity_type, platform_id) WHERE meta_key = '' AND platform_id <> ''
			DO NOTHING`,
		m.InternalID, m.Platform, m.EntityType, m.PlatformID, m.MetaKey, m.MetaValue, now,
	)
	if err != nil {
		return store.Mapping{}, errors.WrapResource("save", "mapping", m.InternalID, err)
	}

	if m.MetaKey == "" && m.PlatformID != "" {
		// Read back through the platform-ID index so a lost race returns the
		// winner's row.
		survivor, err := s.mappingByPlatformID(ctx, m.Platform, m.EntityType, m.PlatformID)
		if err != nil {
			return store.Mapping{}, err
		}
		return survivor, nil
	}

	m.UpdatedAt = utc.New(now)
	return m, nil
}

func (s *Store) mappingByPlatformID(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, platformID string) (store.Mapping, error) {
	var (
		m         store.Mapping
		updatedAt time.Time
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT internal_id, platform, entity_type, platform_id, meta_key, meta_value, updated_at
		FROM mappings
		WHERE platform = ? AND entity_type = ? AND platform_id = ? AND meta_key = ''`,
		platform, entityType, platformID,
	).Scan(&m.InternalID, &m.Platform, &m.EntityType, &m.PlatformID, &m.MetaKey, &m.MetaValue, &updatedAt)
	if err == sql.ErrNoRows {
		return store.Mapping{}, errors.ErrNotFound
	}
	if err != nil {
		return store.Mapping{}, errors.WrapResource("query", "mapping", platformID, err)
	}
	m.UpdatedAt = utc.New(updatedAt)
	return m, nil
}

// GetMetaValue returns the value stored under a meta key.
func (s *Store) GetMetaValue(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID, metaKey string) (string, error) {
	var v string
	err := s.db.QueryRowxContext(ctx, `
		SELECT meta_value FROM mappings
		WHERE internal_id = ? AND platform = ? AND entity_type = ? AND meta_key = ?`,
		internalID, platform, entityType, metaKey,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", errors.ErrNotFound
	}
	if err != nil {
		return "", errors.WrapResource("query", "mapping meta", metaKey, err)
	}
	return v, nil
}

// SaveMetaValue upserts a meta key/value row.
func (s *Store) SaveMetaValue(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID, metaKey, metaValue string) error {
	_, err := s.SaveMapping(ctx, store.Mapping{
		InternalID: internalID,
		Platform:   platform,
		EntityType: entityType,
		MetaKey:    metaKey,
		MetaValue:  metaValue,
	})
	return err
}

// ---- CanonicalStore ----

// GetProduct returns a product with its variants and inventory attached.
func (s *Store) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, title, description, images_json, external_json, created_at, updated_at
		FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "product", ID: id}
	}
	if err != nil {
		return nil, errors.WrapResource("query", "product", id, err)
	}
	if err := s.attachVariants(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProducts returns every product for an account.
func (s *Store) ListProducts(ctx context.Context, accountID string) ([]*catalog.Product, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, title, description, images_json, external_json, created_at, updated_at
		FROM products WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, errors.WrapResource("list", "products", accountID, err)
	}
	defer rows.Close()

	var out []*catalog.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, errors.WrapResource("scan", "product", "", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapResource("list", "products", accountID, err)
	}
	for _, p := range out {
		if err := s.attachVariants(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpsertProduct inserts or updates a product row. Variants are persisted
// separately.
func (s *Store) UpsertProduct(ctx context.Context, p *catalog.Product) error {
	images, _ := json.Marshal(p.Images)
	external, _ := json.Marshal(p.ExternalIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, account_id, title, description, images_json, external_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			images_json = excluded.images_json,
			external_json = excluded.external_json,
			updated_at = excluded.updated_at`,
		p.ID, p.AccountID, p.Title, p.Description, string(images), string(external),
		p.CreatedAt.Time, p.UpdatedAt.Time,
	)
	return errors.WrapResource("upsert", "product", p.ID, err)
}

// GetVariant returns a variant by internal ID.
func (s *Store) GetVariant(ctx context.Context, id string) (*catalog.Variant, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, product_id, sku, barcode, price, compare_at_price, weight_grams,
		       requires_shipping, taxable, external_json, created_at, updated_at
		FROM variants WHERE id = ?`, id)
	v, err := scanVariant(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "variant", ID: id}
	}
	if err != nil {
		return nil, errors.WrapResource("query", "variant", id, err)
	}
	return v, nil
}

// FindVariantBySKU looks up a variant by SKU scoped to its parent product.
func (s *Store) FindVariantBySKU(ctx context.Context, productID, sku string) (*catalog.Variant, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, product_id, sku, barcode, price, compare_at_price, weight_grams,
		       requires_shipping, taxable, external_json, created_at, updated_at
		FROM variants WHERE product_id = ? AND sku = ? COLLATE NOCASE`, productID, sku)
	v, err := scanVariant(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.WrapResource("query", "variant", sku, err)
	}
	return v, nil
}

// UpsertVariant inserts or updates a variant row.
func (s *Store) UpsertVariant(ctx context.Context, v *catalog.Variant) error {
	external, _ := json.Marshal(v.ExternalIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (id, product_id, sku, barcode, price, compare_at_price, weight_grams,
		                      requires_shipping, taxable, external_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			sku = excluded.sku,
			barcode = excluded.barcode,
			price = excluded.price,
			compare_at_price = excluded.compare_at_price,
			weight_grams = excluded.weight_grams,
			requires_shipping = excluded.requires_shipping,
			taxable = excluded.taxable,
			external_json = excluded.external_json,
			updated_at = excluded.updated_at`,
		v.ID, v.ProductID, v.SKU, v.Barcode, v.Price, v.CompareAtPrice, v.WeightGrams,
		v.RequiresShipping, v.Taxable, string(external), v.CreatedAt.Time, v.UpdatedAt.Time,
	)
	return errors.WrapResource("upsert", "variant", v.ID, err)
}

// GetLocation returns a location by internal ID.
func (s *Store) GetLocation(ctx context.Context, id string) (*catalog.Location, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, name, active, address, external_json, created_at, updated_at
		FROM locations WHERE id = ?`, id)
	l, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "location", ID: id}
	}
	if err != nil {
		return nil, errors.WrapResource("query", "location", id, err)
	}
	return l, nil
}

// ListLocations returns every location for an account.
func (s *Store) ListLocations(ctx context.Context, accountID string) ([]*catalog.Location, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, name, active, address, external_json, created_at, updated_at
		FROM locations WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, errors.WrapResource("list", "locations", accountID, err)
	}
	defer rows.Close()

	var out []*catalog.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, errors.WrapResource("scan", "location", "", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertLocation inserts or updates a location row.
func (s *Store) UpsertLocation(ctx context.Context, l *catalog.Location) error {
	external, _ := json.Marshal(l.ExternalIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, account_id, name, active, address, external_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			address = excluded.address,
			external_json = excluded.external_json,
			updated_at = excluded.updated_at`,
		l.ID, l.AccountID, l.Name, l.Active, l.Address, string(external),
		l.CreatedAt.Time, l.UpdatedAt.Time,
	)
	return errors.WrapResource("upsert", "location", l.ID, err)
}

// UpsertInventoryLevel inserts or updates the level for one
// (variant, location) pair. Quantities are clamped to zero.
func (s *Store) UpsertInventoryLevel(ctx context.Context, lvl *catalog.InventoryLevel) error {
	available := lvl.Available
	if available < 0 {
		available = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_levels (variant_id, location_id, available, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (variant_id, location_id) DO UPDATE SET
			available = excluded.available,
			updated_at = excluded.updated_at`,
		lvl.VariantID, lvl.LocationID, available, lvl.UpdatedAt.Time,
	)
	return errors.WrapResource("upsert", "inventory level", lvl.VariantID, err)
}

// ListInventory returns the levels of a variant across all locations.
func (s *Store) ListInventory(ctx context.Context, variantID string) ([]*catalog.InventoryLevel, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT variant_id, location_id, available, updated_at
		FROM inventory_levels WHERE variant_id = ? ORDER BY location_id`, variantID)
	if err != nil {
		return nil, errors.WrapResource("list", "inventory", variantID, err)
	}
	defer rows.Close()

	var out []*catalog.InventoryLevel
	for rows.Next() {
		var (
			lvl       catalog.InventoryLevel
			updatedAt time.Time
		)
		if err := rows.Scan(&lvl.VariantID, &lvl.LocationID, &lvl.Available, &updatedAt); err != nil {
			return nil, errors.WrapResource("scan", "inventory level", variantID, err)
		}
		lvl.UpdatedAt = utc.New(updatedAt)
		out = append(out, &lvl)
	}
	return out, rows.Err()
}

func (s *Store) attachVariants(ctx context.Context, p *catalog.Product) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, product_id, sku, barcode, price, compare_at_price, weight_grams,
		       requires_shipping, taxable, external_json, created_at, updated_at
		FROM variants WHERE product_id = ? ORDER BY id`, p.ID)
	if err != nil {
		return errors.WrapResource("list", "variants", p.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return errors.WrapResource("scan", "variant", p.ID, err)
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return errors.WrapResource("list", "variants", p.ID, err)
	}
	for _, v := range p.Variants {
		levels, err := s.ListInventory(ctx, v.ID)
		if err != nil {
			return err
		}
		v.Inventory = levels
	}
	return nil
}

// ---- ConnectionDirectory ----

// GetActiveConnections returns active, auth-valid connections for an account.
func (s *Store) GetActiveConnections(ctx context.Context, accountID string) ([]store.Connection, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, platform, credentials_json, active, needs_reauth, created_at, updated_at
		FROM connections
		WHERE account_id = ? AND active = 1 AND needs_reauth = 0
		ORDER BY id`, accountID)
	if err != nil {
		return nil, errors.WrapResource("list", "connections", accountID, err)
	}
	defer rows.Close()

	var out []store.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, errors.WrapResource("scan", "connection", accountID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListAccountIDs returns accounts that have at least one active connection.
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT account_id FROM connections
		WHERE active = 1 AND needs_reauth = 0
		ORDER BY account_id`)
	if err != nil {
		return nil, errors.WrapResource("list", "accounts", "", err)
	}
	return ids, nil
}

// SaveConnection upserts a connection.
func (s *Store) SaveConnection(ctx context.Context, c store.Connection) error {
	creds, _ := json.Marshal(c.Credentials)
	now := time.Now().UTC()
	created := c.CreatedAt.Time
	if c.CreatedAt.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, account_id, platform, credentials_json, active, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			credentials_json = excluded.credentials_json,
			active = excluded.active,
			needs_reauth = excluded.needs_reauth,
			updated_at = excluded.updated_at`,
		c.ID, c.AccountID, c.Platform, string(creds), c.Active, c.NeedsReauth, created, now,
	)
	return errors.WrapResource("upsert", "connection", c.ID, err)
}

// MarkNeedsReauth flags a connection for re-authentication.
func (s *Store) MarkNeedsReauth(ctx context.Context, connectionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET needs_reauth = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), connectionID,
	)
	if err != nil {
		return errors.WrapResource("update", "connection", connectionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "connection", ID: connectionID}
	}
	return nil
}

// ---- row scanning ----

type scannable interface {
	Scan(dest ...any) error
}

func scanProduct(row scannable) (*catalog.Product, error) {
	var (
		p                    catalog.Product
		imagesJSON, extJSON  string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&p.ID, &p.AccountID, &p.Title, &p.Description, &imagesJSON, &extJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(imagesJSON), &p.Images); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(extJSON), &p.ExternalIDs); err != nil {
		return nil, err
	}
	p.CreatedAt = utc.New(createdAt)
	p.UpdatedAt = utc.New(updatedAt)
	return &p, nil
}

func scanVariant(row scannable) (*catalog.Variant, error) {
	var (
		v                    catalog.Variant
		extJSON              string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Barcode, &v.Price, &v.CompareAtPrice,
		&v.WeightGrams, &v.RequiresShipping, &v.Taxable, &extJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(extJSON), &v.ExternalIDs); err != nil {
		return nil, err
	}
	v.CreatedAt = utc.New(createdAt)
	v.UpdatedAt = utc.New(updatedAt)
	return &v, nil
}

func scanLocation(row scannable) (*catalog.Location, error) {
	var (
		l                    catalog.Location
		extJSON              string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&l.ID, &l.AccountID, &l.Name, &l.Active, &l.Address, &extJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(extJSON), &l.ExternalIDs); err != nil {
		return nil, err
	}
	l.CreatedAt = utc.New(createdAt)
	l.UpdatedAt = utc.New(updatedAt)
	return &l, nil
}

func scanConnection(row scannable) (store.Connection, error) {
	var (
		c                    store.Connection
		credsJSON            string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.Platform, &credsJSON, &c.Active, &c.NeedsReauth, &createdAt, &updatedAt); err != nil {
		return store.Connection{}, err
	}
	if err := json.Unmarshal([]byte(credsJSON), &c.Credentials); err != nil {
		return store.Connection{}, err
	}
	c.CreatedAt = utc.New(createdAt)
	c.UpdatedAt = utc.New(updatedAt)
	return c, nil
}
