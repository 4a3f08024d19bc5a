package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"hookline/internal/apperr"
)

const individualsPath = "/api/v1/organizations/%s/individuals"

// Client is the HTTP Lookup against the profile-data service. Requests are
// retried on 429 and 5xx responses.
type Client struct {
	base   string
	apiKey string
	http   *retryablehttp.Client
}

// NewClient creates a Client.
func NewClient(baseURL, apiKey string, timeout time.Duration, retryMax int, log *zap.Logger) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = retryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = timeout
	hc.Logger = leveledLogger{log.Named("profile.http")}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		http:   hc,
	}
}

// Get returns the single profile registered for address in org, nil when none.
func (c *Client) Get(ctx context.Context, orgID, address string) (*Snapshot, error) {
	const op = "profile.get"

	q := url.Values{}
	q.Set("handles__type", "EMAIL")
	q.Set("handles__value", address)
	u := c.base + fmt.Sprintf(individualsPath, url.PathEscape(orgID)) + "?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CategoryProfileData, err, "failed to fetch profile data")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(op, apperr.CategoryProfileData, "failed to fetch profile data: status %d", resp.StatusCode)
	}

	var found []Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		return nil, apperr.Wrap(op, apperr.CategoryProfileData, err, "decode profile data")
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, apperr.New(op, apperr.CategoryProfileData, "unexpected number of profiles returned: %d", len(found))
	}
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log *zap.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Sugar().Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Sugar().Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Sugar().Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Sugar().Warnw(msg, kv...) }
