// Package entitlement is the REST client for purchase and access lookups. The
// websocket channel stays the primary path; this client covers cold-start
// listing, spot checks, and the shutdown beacon.
package entitlement

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/kvlar/examsync/internal/errs"
	"github.com/kvlar/examsync/internal/model"
)

const (
	requestTimeout = 10 * time.Second
	beaconTimeout  = 3 * time.Second
	maxBodySize    = 4 << 20
)

// TokenFunc supplies the current bearer token, empty for anonymous calls.
type TokenFunc func() string

// Client talks to the entitlement REST API behind a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[[]byte]
	token   TokenFunc
	log     *zap.Logger
}

// NewClient constructs a Client. The breaker opens after a majority of recent
// calls fail and recovers through a half-open trial request.
func NewClient(baseURL string, token TokenFunc, log *zap.Logger) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		token:   token,
		log:     log,
	}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "entitlement-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Client-side faults (bad credentials, throttling) should not
			// open the breaker; only upstream failures count.
			return err == nil || errs.IsAuth(err) || RateLimited(err)
		},
	})
	return c
}

// RateLimited reports whether err came from a server-side 429.
func RateLimited(err error) bool {
	_, ok := errs.RetryAfter(err)
	return ok
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type accessData struct {
	HasAccess bool `json:"hasAccess"`
}

type collectionData struct {
	Items []model.ContentMeta `json:"items"`
}

// CheckAccess asks the server whether userID currently has access to one
// content item.
func (c *Client) CheckAccess(ctx context.Context, userID, contentID string) (model.AccessSignal, error) {
	url := fmt.Sprintf("%s/api/access/%s?userId=%s", c.baseURL, contentID, userID)
	body, err := c.get(ctx, url)
	if err != nil {
		return model.AccessSignal{}, fmt.Errorf("check access %s: %w", contentID, err)
	}
	var data accessData
	if err := decodeEnvelope(body, &data); err != nil {
		return model.AccessSignal{}, fmt.Errorf("check access %s: %w", contentID, err)
	}
	return model.AccessSignal{
		HasAccess: data.HasAccess,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ListCollection returns the full content listing of a collection. The API has
// no pagination; one call returns everything.
func (c *Client) ListCollection(ctx context.Context, collection string) ([]model.ContentMeta, error) {
	url := fmt.Sprintf("%s/api/collections/%s/items", c.baseURL, collection)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("list collection %s: %w", collection, err)
	}
	var data collectionData
	if err := decodeEnvelope(body, &data); err != nil {
		return nil, fmt.Errorf("list collection %s: %w", collection, err)
	}
	return data.Items, nil
}

// SendBeacon posts payload on a detached context with a short deadline. It is
// fire-and-forget for shutdown paths: errors are logged and swallowed, and the
// circuit breaker is bypassed so a tripped breaker cannot block the flush.
func (c *Client) SendBeacon(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/progress/beacon", bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("beacon send failed", zap.Error(err))
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize)) //nolint:errcheck
	resp.Body.Close()
}

// get runs one GET through the circuit breaker and maps HTTP status codes to
// the shared error taxonomy.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, errs.ErrUnauthorized
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &errs.RateLimitError{RetryAfter: retryAfter(resp)}
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("http %d", resp.StatusCode)
		}
		return body, nil
	})
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func decodeEnvelope(body []byte, data any) error {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDataIntegrity, err)
	}
	if !env.Success {
		return fmt.Errorf("api error: %s", env.Message)
	}
	if len(env.Data) == 0 {
		return errs.ErrDataIntegrity
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDataIntegrity, err)
	}
	return nil
}
