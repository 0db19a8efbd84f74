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

// Package lookup is a client for the stock lookup service, which returns
// item details and per-store stock for an (item, postal code) pair.
package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 60 * time.Second
	MaxResponseSize = 16 * 1024 * 1024
)

// ErrIncompleteResponse is returned when the service answers without
// stores or item details.
var ErrIncompleteResponse = errors.New("lookup response is missing stores or item details")

// Config holds lookup service settings.
type Config struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default lookup configuration.
func DefaultConfig() Config {
	return Config{
		URL:     "http://localhost:9099/stock/store",
		Timeout: DefaultTimeout,
	}
}

// Request is the body sent to the lookup service.
type Request struct {
	StoreName string `json:"storeName"`
	UPC       string `json:"upc"`
	Zip       string `json:"zip"`
}

// Result is a validated lookup answer.
type Result struct {
	Item   ItemDetails
	Stores []StoreStock
}

// ItemDetails describes the looked-up product.
type ItemDetails struct {
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	ImageURL string   `json:"imageUrl"`
	MSRP     *float64 `json:"msrp"`
}

// ProductID is the last non-empty path segment of the product URL.
func (d ItemDetails) ProductID() string {
	segs := strings.FieldsFunc(d.URL, func(r rune) bool { return r == '/' })
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// StoreStock is one store's view of the item.
type StoreStock struct {
	ID         FlexInt   `json:"id"`
	Address    string    `json:"address"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Zip        string    `json:"zip"`
	Price      FlexFloat `json:"price"`
	StorePrice FlexFloat `json:"storePrice"`
	StoreStock FlexInt   `json:"storeStock"`
	SalesFloor FlexInt   `json:"salesFloor"`
	BackRoom   FlexInt   `json:"backRoom"`
	Aisles     *string   `json:"aisles"`
}

type response struct {
	Stores      *[]StoreStock `json:"stores"`
	ItemDetails *ItemDetails  `json:"itemDetails"`
}

// Client calls the lookup service.
type Client struct {
	url    string
	client *http.Client
}

// NewClient returns a client for cfg.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url: cfg.URL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Lookup asks the service about itemID near locationID for tenant.
func (c *Client) Lookup(ctx context.Context, tenant, itemID, locationID string) (*Result, error) {
	body, err := json.Marshal(Request{StoreName: tenant, UPC: itemID, Zip: locationID})
	if err != nil {
		return nil, fmt.Errorf("encode lookup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		recordLookup(tenant, "http_error", time.Since(start))
		return nil, fmt.Errorf("lookup request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		recordLookup(tenant, "http_status", time.Since(start))
		return nil, fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		recordLookup(tenant, "read_error", time.Since(start))
		return nil, fmt.Errorf("read lookup body: %w", err)
	}
	if len(data) > MaxResponseSize {
		recordLookup(tenant, "size_exceeded", time.Since(start))
		return nil, fmt.Errorf("lookup response exceeds max size (%d bytes)", MaxResponseSize)
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		recordLookup(tenant, "decode_error", time.Since(start))
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	if r.Stores == nil || r.ItemDetails == nil {
		recordLookup(tenant, "incomplete", time.Since(start))
		return nil, ErrIncompleteResponse
	}

	recordLookup(tenant, "ok", time.Since(start))
	return &Result{Item: *r.ItemDetails, Stores: *r.Stores}, nil
}
