package sqlite

// Schema bootstraps the engine's tables. The two unique indexes on mappings
// realize the bijection invariant: per (platform, entity type) a platform
// ID maps to one internal ID and an internal ID to one platform ID. All
// writes go through ON CONFLICT upserts so repeated identical input is a
// no-op.
const schema = `
CREATE TABLE IF NOT EXISTS products (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	images_json  TEXT NOT NULL DEFAULT '[]',
	external_json TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_account ON products(account_id);

CREATE TABLE IF NOT EXISTS variants (
	id                TEXT PRIMARY KEY,
	product_id        TEXT NOT NULL REFERENCES products(id),
	sku               TEXT NOT NULL DEFAULT '',
	barcode           TEXT NOT NULL DEFAULT '',
	price             INTEGER NOT NULL DEFAULT 0,
	compare_at_price  INTEGER NOT NULL DEFAULT 0,
	weight_grams      INTEGER NOT NULL DEFAULT 0,
	requires_shipping INTEGER NOT NULL DEFAULT 1,
	taxable           INTEGER NOT NULL DEFAULT 1,
	external_json     TEXT NOT NULL DEFAULT '{}',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_variants_product ON variants(product_id);
CREATE INDEX IF NOT EXISTS idx_variants_sku ON variants(product_id, sku);

CREATE TABLE IF NOT EXISTS locations (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	address       TEXT NOT NULL DEFAULT '',
	external_json TEXT NOT NULL DEFAULT '{}',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_locations_account ON locations(account_id);

CREATE TABLE IF NOT EXISTS inventory_levels (
	variant_id  TEXT NOT NULL REFERENCES variants(id),
	location_id TEXT NOT NULL REFERENCES locations(id),
	available   INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (variant_id, location_id)
);

CREATE TABLE IF NOT EXISTS mappings (
	internal_id TEXT NOT NULL,
	platform    TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	platform_id TEXT NOT NULL DEFAULT '',
	meta_key    TEXT NOT NULL DEFAULT '',
	meta_value  TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (internal_id, platform, entity_type, meta_key)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_platform_id
	ON mappings(platform, entity_type, platform_id)
	WHERE meta_key = '' AND platform_id <> '';

CREATE TABLE IF NOT EXISTS connections (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	platform         TEXT NOT NULL,
	credentials_json TEXT NOT NULL DEFAULT '{}',
	active           INTEGER NOT NULL DEFAULT 1,
	needs_reauth     INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_account ON connections(account_id);
`
