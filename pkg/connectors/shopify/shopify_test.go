package shopify

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "12.00", want: 1200},
		{in: "12.34", want: 1234},
		{in: "0.99", want: 99},
		{in: "12", want: 1200},
		{in: "12.5", want: 1250},
		{in: "12.345", want: 1234},
		{in: "", want: 0},
		{in: "  7.10 ", want: 710},
		{in: "-1.50", want: -150},
		{in: "-0.99", want: -99},
		{in: "-12", want: -1200},
		{in: "abc", wantErr: true},
		{in: "12.xy", wantErr: true},
		{in: "--1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrice(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "12.00", FormatPrice(1200))
	assert.Equal(t, "12.34", FormatPrice(1234))
	assert.Equal(t, "0.05", FormatPrice(5))
	assert.Equal(t, "0.00", FormatPrice(0))
	assert.Equal(t, "-1.50", FormatPrice(-150))
}

func TestNextPageURL(t *testing.T) {
	h := http.Header{}
	h.Add("Link", `<https://shop.myshopify.com/admin/api/2024-01/products.json?page_info=prev>; rel="previous", <https://shop.myshopify.com/admin/api/2024-01/products.json?page_info=next>; rel="next"`)
	assert.Equal(t, "https://shop.myshopify.com/admin/api/2024-01/products.json?page_info=next", nextPageURL(h))

	empty := http.Header{}
	assert.Empty(t, nextPageURL(empty))

	onlyPrev := http.Header{}
	onlyPrev.Add("Link", `<https://x/a.json?page_info=p>; rel="previous"`)
	assert.Empty(t, nextPageURL(onlyPrev))
}
