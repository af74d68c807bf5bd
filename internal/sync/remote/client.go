// Package remote implements a reference Remote Table client over net/http:
// the HTTP transport the core engine's Push/Pull engines are tested against.
// The contract itself (§6) is consumed, not specified, by the core — this is
// one concrete backend for it, not the only one a Sync Context can use.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	syncerrors "github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/model"
)

// Config holds the connection details for one remote table endpoint.
type Config struct {
	BaseURL    string
	MaxRetries uint64
	RetryBase  time.Duration
}

// CredentialSource supplies the bearer token attached to outgoing requests,
// if any is configured. Backed by Sync Settings' encrypted credential store.
type CredentialSource interface {
	BearerToken(ctx context.Context) (string, bool, error)
}

// Client is the shipped Remote Table implementation.
type Client struct {
	cfg        Config
	httpClient *http.Client
	creds      CredentialSource
}

// New constructs a Client. creds may be nil for an anonymous remote.
func New(cfg Config, creds CredentialSource) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	return &Client{
		cfg:   cfg,
		creds: creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

type envelope struct {
	Value      []model.Record `json:"value"`
	Count      *int           `json:"count,omitempty"`
	NextLink   string         `json:"@nextLink,omitempty"`
}

// Read issues an OData-like GET built from the structured query.
func (c *Client) Read(ctx context.Context, query model.Query) (model.ReadResult, error) {
	u, err := c.tableURL(query.TableName)
	if err != nil {
		return model.ReadResult{}, err
	}
	q := u.Query()
	if query.Filter != "" {
		q.Set("$filter", query.Filter)
	}
	if len(query.OrderBy) > 0 {
		q.Set("$orderby", strings.Join(query.OrderBy, ","))
	}
	if query.HasSkip() {
		q.Set("$skip", strconv.Itoa(query.Skip))
	}
	if query.HasTop() {
		q.Set("$top", strconv.Itoa(query.Top))
	}
	if query.IncludeTotalCount {
		q.Set("$count", "true")
	}
	if query.IncludeDeleted {
		q.Set("__includeDeleted", "true")
	}
	for k, v := range query.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var env envelope
	if err := c.do(ctx, http.MethodGet, u.String(), nil, "", &env); err != nil {
		return model.ReadResult{}, err
	}
	return model.ReadResult{Values: env.Value, TotalCount: env.Count, NextLink: env.NextLink}, nil
}

// Insert POSTs a new item.
func (c *Client) Insert(ctx context.Context, tableName string, item model.Record) (model.Record, error) {
	u, err := c.tableURL(tableName)
	if err != nil {
		return nil, err
	}
	var result model.Record
	if err := c.do(ctx, http.MethodPost, u.String(), item, "", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Update PATCHes an item with an If-Match header carrying ifMatch.
func (c *Client) Update(ctx context.Context, tableName string, item model.Record, ifMatch string) (model.Record, error) {
	u, err := c.tableURL(tableName)
	if err != nil {
		return nil, err
	}
	u.Path += "/" + url.PathEscape(item.ID())
	var result model.Record
	if err := c.do(ctx, http.MethodPatch, u.String(), item, ifMatch, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete DELETEs an item with an If-Match header; 404 is treated as success.
func (c *Client) Delete(ctx context.Context, tableName, id, ifMatch string) error {
	u, err := c.tableURL(tableName)
	if err != nil {
		return err
	}
	u.Path += "/" + url.PathEscape(id)
	err = c.do(ctx, http.MethodDelete, u.String(), nil, ifMatch, nil)
	if kind, ok := syncerrors.RemoteKindOf(err); ok && kind == syncerrors.RemoteNotFound {
		return nil
	}
	return err
}

// Lookup GETs a single item by id.
func (c *Client) Lookup(ctx context.Context, tableName, id string) (model.Record, error) {
	u, err := c.tableURL(tableName)
	if err != nil {
		return nil, err
	}
	u.Path += "/" + url.PathEscape(id)
	var result model.Record
	if err := c.do(ctx, http.MethodGet, u.String(), nil, "", &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) tableURL(tableName string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/" + tableName)
	if err != nil {
		return nil, fmt.Errorf("build table url: %w", err)
	}
	return u, nil
}

// do executes a single HTTP call with bounded exponential-backoff retry on
// transport-level failures; it never retries on an HTTP response that was
// actually received, only on the call failing to complete at all.
func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}, ifMatch string, out interface{}) error {
	backoff, err := retry.NewExponential(c.cfg.RetryBase)
	if err != nil {
		return fmt.Errorf("build retry backoff: %w", err)
	}
	backoff = retry.WithMaxRetries(c.cfg.MaxRetries, backoff)

	var resp *http.Response
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, buildErr := c.buildRequest(ctx, method, rawURL, body, ifMatch)
		if buildErr != nil {
			return buildErr
		}
		r, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return retry.RetryableError(doErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("remote request: %w", err)
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, out)
}

func (c *Client) buildRequest(ctx context.Context, method, rawURL string, body interface{}, ifMatch string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	if c.creds != nil {
		if token, ok, err := c.creds.BearerToken(ctx); err == nil && ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) handleResponse(resp *http.Response, out interface{}) error {
	rawBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out != nil && len(rawBody) > 0 {
			if err := json.Unmarshal(rawBody, out); err != nil {
				return fmt.Errorf("decode response body: %w", err)
			}
		}
		return nil
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return syncerrors.RemoteFailure(syncerrors.RemoteNotFound, resp.StatusCode, string(rawBody))
	case http.StatusPreconditionFailed:
		return syncerrors.RemoteFailure(syncerrors.RemotePreconditionFailed, resp.StatusCode, string(rawBody))
	case http.StatusConflict:
		return syncerrors.RemoteFailure(syncerrors.RemoteConflict, resp.StatusCode, string(rawBody))
	case http.StatusUnauthorized, http.StatusForbidden:
		return syncerrors.PushAborted(syncerrors.AbortAuth, string(rawBody))
	default:
		return syncerrors.RemoteFailure(syncerrors.RemoteNone, resp.StatusCode, string(rawBody))
	}
}
