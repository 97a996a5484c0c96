package dietapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// PageParams describes one page request against the meetings API.
type PageParams struct {
	Range          RunRange
	MaximumRecords int // 0 omits the parameter
	StartRecord    int // 0 omits the parameter (upstream is 1-based)
	BypassCache    bool
}

// PageFetcher fetches a single normalized page.
type PageFetcher interface {
	FetchPage(ctx context.Context, params PageParams) (RawMeetingData, error)
}

// Client talks to the National Diet minutes API.
type Client struct {
	http       *resty.Client
	endpoint   string
	normalizer *Normalizer
	cache      ResponseCache
	logger     *slog.Logger
}

var _ PageFetcher = (*Client)(nil)

// NewClient creates an API client. cache may be nil to disable caching.
func NewClient(endpoint string, normalizer *Normalizer, cache ResponseCache, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetTimeout(60 * time.Second).
		SetHeader("Accept", "application/json")
	return &Client{
		http:       httpClient,
		endpoint:   endpoint,
		normalizer: normalizer,
		cache:      cache,
		logger:     logger,
	}
}

// FetchPage issues one GET against the upstream API and returns the
// normalized payload. Responses are served from the cache when present
// unless the caller asks to bypass it.
func (c *Client) FetchPage(ctx context.Context, params PageParams) (RawMeetingData, error) {
	if params.Range.From == "" || params.Range.Until == "" {
		return RawMeetingData{}, fmt.Errorf("fetch page requires both from and until")
	}

	query := map[string]string{
		"from":          params.Range.From,
		"until":         params.Range.Until,
		"recordPacking": "json",
	}
	if params.MaximumRecords > 0 {
		query["maximumRecords"] = strconv.Itoa(params.MaximumRecords)
	}
	if params.StartRecord > 0 {
		query["startRecord"] = strconv.Itoa(params.StartRecord)
	}

	req := c.http.R().SetContext(ctx).SetQueryParams(query)
	cacheKey := req.URL
	if cacheKey == "" {
		cacheKey = fmt.Sprintf("%s?from=%s&until=%s&maximumRecords=%d&startRecord=%d",
			c.endpoint, params.Range.From, params.Range.Until, params.MaximumRecords, params.StartRecord)
	}

	if c.cache != nil && !params.BypassCache {
		if data, ok := c.cache.Get(cacheKey); ok {
			c.logger.Debug("cache hit", "key", cacheKey)
			return data, nil
		}
	}

	c.logger.Info("fetching records",
		"from", params.Range.From, "until", params.Range.Until,
		"startRecord", params.StartRecord)

	resp, err := req.Get(c.endpoint)
	if err != nil {
		return RawMeetingData{}, fmt.Errorf("request meetings api: %w", err)
	}
	if resp.IsError() {
		return RawMeetingData{}, fmt.Errorf("meetings api returned %s", resp.Status())
	}

	var payload any
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return RawMeetingData{}, fmt.Errorf("decode meetings api response: %w", err)
	}

	data := c.normalizer.Normalize(ctx, payload)
	if c.cache != nil {
		c.cache.Put(cacheKey, data)
	}
	return data, nil
}
