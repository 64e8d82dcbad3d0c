package connectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

func testClient(srv *httptest.Server) *Client {
	return NewClient(platforms.Shopify, rate.NewLimiter(rate.Inf, 1)).WithHTTPClient(srv.Client())
}

func TestDoJSONDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "token", r.Header.Get("X-Test-Auth"))
		w.Header().Set("Link", `<https://example.com/next>; rel="next"`)
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	var out struct {
		Value int `json:"value"`
	}
	headers, err := testClient(srv).DoJSON(context.Background(), http.MethodGet, srv.URL,
		map[string]string{"X-Test-Auth": "token"}, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
	assert.Contains(t, headers.Get("Link"), "example.com/next")
}

func TestDoJSONStatusTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{name: "unauthorized is auth", status: http.StatusUnauthorized, check: errors.IsAuth},
		{name: "forbidden is auth", status: http.StatusForbidden, check: errors.IsAuth},
		{name: "rate limited is transient", status: http.StatusTooManyRequests, check: errors.IsTransient},
		{name: "server error is transient", status: http.StatusBadGateway, check: errors.IsTransient},
		{name: "bad request is data", status: http.StatusBadRequest, check: errors.IsMalformedData},
		{name: "unprocessable is data", status: http.StatusUnprocessableEntity, check: errors.IsMalformedData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := testClient(srv).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
			require.Error(t, err)
			assert.True(t, tt.check(err), "status %d misclassified: %v", tt.status, err)
		})
	}
}

func TestDoJSONMalformedBodyIsDataError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	var out map[string]any
	_, err := testClient(srv).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, &out)
	require.Error(t, err)
	assert.True(t, errors.IsMalformedData(err))
}

func TestDoJSONNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately, so the request fails to connect

	_, err := NewClient(platforms.Square, rate.NewLimiter(rate.Inf, 1)).
		DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRegistryResolvesByPlatform(t *testing.T) {
	shopify := stubConnector{platform: platforms.Shopify}
	square := stubConnector{platform: platforms.Square}

	r, err := NewRegistry(shopify, square)
	require.NoError(t, err)

	got, err := r.Get(platforms.Square)
	require.NoError(t, err)
	assert.Equal(t, platforms.Square, got.Platform())

	_, err = r.Get(platforms.Clover)
	assert.ErrorIs(t, err, errors.ErrUnsupportedPlatform)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(stubConnector{platform: platforms.Shopify}, stubConnector{platform: platforms.Shopify})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestRegistryRejectsUnknownPlatform(t *testing.T) {
	_, err := NewRegistry(stubConnector{platform: "etsy"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

// stubConnector satisfies Connector for registry tests only.
type stubConnector struct {
	platform platforms.Platform
}

func (s stubConnector) Platform() platforms.Platform { return s.platform }

func (s stubConnector) FetchLocations(context.Context, store.Connection) ([]*catalog.Location, error) {
	return nil, nil
}

func (s stubConnector) FetchCatalog(context.Context, store.Connection) ([]*catalog.Product, error) {
	return nil, nil
}

func (s stubConnector) PushProductCreate(_ context.Context, _ store.Connection, p *catalog.Product) (*catalog.Product, error) {
	return p, nil
}

func (s stubConnector) PushProductUpdate(_ context.Context, _ store.Connection, p *catalog.Product) (*catalog.Product, error) {
	return p, nil
}

func (s stubConnector) PushInventoryLevel(context.Context, store.Connection, string, string, int64) error {
	return nil
}

func (s stubConnector) CreateLocation(_ context.Context, _ store.Connection, l *catalog.Location) (*catalog.Location, error) {
	return l, nil
}
