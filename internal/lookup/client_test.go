// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package lookup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, body string, seen *Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Lookup(t *testing.T) {
	body := `{
		"itemDetails": {"name": "Widget", "url": "https://example.com/ip/widget/12345/", "imageUrl": "https://img/1.png", "msrp": 19.99},
		"stores": [
			{"id": "101", "address": "1 Main St", "city": "Atlanta", "state": "GA", "zip": "30301",
			 "price": "$17.50", "salesFloor": 3, "backRoom": "2", "aisles": "A12"},
			{"id": 202, "address": "2 Elm St", "city": "Decatur", "state": "GA", "zip": "30030",
			 "storePrice": 18, "storeStock": null}
		]
	}`
	var seen Request
	srv := newTestServer(t, http.StatusOK, body, &seen)

	c := NewClient(Config{URL: srv.URL, Timeout: 5 * time.Second})
	res, err := c.Lookup(context.Background(), "walmart", "012345678905", "30301")
	require.NoError(t, err)

	assert.Equal(t, Request{StoreName: "walmart", UPC: "012345678905", Zip: "30301"}, seen)
	assert.Equal(t, "Widget", res.Item.Name)
	assert.Equal(t, "12345", res.Item.ProductID())
	require.NotNil(t, res.Item.MSRP)
	assert.InDelta(t, 19.99, *res.Item.MSRP, 0.001)

	require.Len(t, res.Stores, 2)
	assert.Equal(t, FlexInt{Value: 101, Valid: true}, res.Stores[0].ID)
	assert.InDelta(t, 17.5, res.Stores[0].Price.Value, 0.001)
	assert.Equal(t, int64(2), res.Stores[0].BackRoom.Value)
	require.NotNil(t, res.Stores[0].Aisles)
	assert.Equal(t, "A12", *res.Stores[0].Aisles)

	assert.Equal(t, int64(202), res.Stores[1].ID.Value)
	assert.False(t, res.Stores[1].StoreStock.Valid)
	assert.True(t, res.Stores[1].StorePrice.Valid)
}

func TestClient_LookupErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"missing stores", http.StatusOK, `{"itemDetails": {"name": "x"}}`, ErrIncompleteResponse},
		{"missing item details", http.StatusOK, `{"stores": []}`, ErrIncompleteResponse},
		{"server error", http.StatusBadGateway, `oops`, nil},
		{"bad json", http.StatusOK, `{`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, tt.body, nil)
			c := NewClient(Config{URL: srv.URL})
			_, err := c.Lookup(context.Background(), "acme", "1", "30301")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestItemDetails_ProductID(t *testing.T) {
	assert.Equal(t, "987", ItemDetails{URL: "https://x.com/p/987"}.ProductID())
	assert.Equal(t, "987", ItemDetails{URL: "https://x.com/p/987//"}.ProductID())
	assert.Equal(t, "", ItemDetails{}.ProductID())
}
