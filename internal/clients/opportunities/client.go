// Package opportunities talks to the upstream lending opportunities API.
package opportunities

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/looplend/looplend/internal/opportunity"
)

// Client for the opportunities API.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates an opportunities API client rooted at baseURL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "opportunities").Logger(),
	}
}

// FetchLendOpportunities returns the flat list of lending markets. The
// response may arrive in canonical or abbreviated form; both decode to the
// same records.
func (c *Client) FetchLendOpportunities(ctx context.Context) ([]opportunity.LendOpportunity, error) {
	body, err := c.get(ctx, c.baseURL+"/opportunities", nil)
	if err != nil {
		return nil, err
	}
	return opportunity.DecodeOpportunities(body, c.log)
}

// FetchPlatformAssets returns a platform's reserve list, the borrow-side
// input for client-built loop pairs.
func (c *Client) FetchPlatformAssets(ctx context.Context, platform string) (*opportunity.PlatformAssetData, error) {
	query := url.Values{}
	if platform != "" {
		query.Set("platform", platform)
	}

	body, err := c.get(ctx, c.baseURL+"/platform-assets", query)
	if err != nil {
		return nil, err
	}

	var data opportunity.PlatformAssetData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decoding platform assets: %w", err)
	}
	return &data, nil
}

// FetchLoopOpportunities returns pre-built loop strategies, optionally
// filtered by chain and token symbol.
func (c *Client) FetchLoopOpportunities(ctx context.Context, chainIDs []int, tokens []string) ([]opportunity.LoopOpportunity, error) {
	query := url.Values{}
	if len(chainIDs) > 0 {
		ids := make([]string, len(chainIDs))
		for i, id := range chainIDs {
			ids[i] = strconv.Itoa(id)
		}
		query.Set("chain_ids", strings.Join(ids, ","))
	}
	if len(tokens) > 0 {
		query.Set("tokens", strings.Join(tokens, ","))
	}

	body, err := c.get(ctx, c.baseURL+"/loop-opportunities", query)
	if err != nil {
		return nil, err
	}

	var records []opportunity.LoopOpportunity
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decoding loop opportunities: %w", err)
	}

	c.log.Debug().
		Int("count", len(records)).
		Ints("chain_ids", chainIDs).
		Msg("Fetched loop opportunities")
	return records, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
