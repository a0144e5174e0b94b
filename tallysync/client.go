package tallysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// bridgeClient reads vouchers from the Tally bridge, the HTTP service that talks to the
// Tally instance and returns vouchers as JSON pages.
type bridgeClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewBridgeClient builds a Fetcher from TALLY_BRIDGE_URL, TALLY_BRIDGE_API_KEY,
// TALLY_BRIDGE_API_KEY_HEADER and TALLY_RATE_LIMIT_PER_MIN.
func NewBridgeClient() (Fetcher, error) {
	baseURL := strings.TrimSpace(os.Getenv("TALLY_BRIDGE_URL"))
	if baseURL == "" {
		return nil, errors.New("TALLY_BRIDGE_URL is not set")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("TALLY_BRIDGE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("TALLY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	return newBridgeClient(baseURL, strings.TrimSpace(os.Getenv("TALLY_BRIDGE_API_KEY")), apiKeyHeader, rateLimitPerMin), nil
}

func newBridgeClient(baseURL, apiKey, apiKeyHeader string, rateLimitPerMin int64) *bridgeClient {
	interval := time.Minute / time.Duration(rateLimitPerMin)
	return &bridgeClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 60 * time.Second},
		limiter:   time.Tick(interval),
	}
}

type bridgeListResponse struct {
	Data       []RawVoucher `json:"data"`
	NextCursor string       `json:"next_cursor"`
	HasMore    *bool        `json:"has_more"`
}

func (c *bridgeClient) FetchBatch(ctx context.Context, ownerId string, cursor Cursor) (Page, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return Page{}, ctx.Err()
	}

	params := url.Values{}
	params.Set("owner", ownerId)
	params.Set("from", FormatVoucherDate(cursor.From))
	params.Set("to", FormatVoucherDate(cursor.To))
	if cursor.Token != "" {
		params.Set("cursor", cursor.Token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/vouchers?"+params.Encode(), nil)
	if err != nil {
		return Page{}, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("read tally bridge response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("tally bridge error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var parsed bridgeListResponse
	if err := dec.Decode(&parsed); err != nil {
		return Page{}, fmt.Errorf("decode tally bridge response: %w", err)
	}

	page := Page{Records: parsed.Data, NextToken: parsed.NextCursor}
	if parsed.HasMore != nil {
		page.Done = !*parsed.HasMore
	} else {
		page.Done = parsed.NextCursor == ""
	}
	return page, nil
}
