package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	EndpointPrimary  = "primary"
	EndpointFallback = "fallback"
)

// Hooks observe client events. Nil functions are skipped.
type Hooks struct {
	// OnFailover fires when fallback answered after a primary failure or when
	// the breaker opens.
	OnFailover func()
	// OnEndpointError fires for every endpoint-level failure.
	OnEndpointError func(endpoint string, err error)
}

// Opts is the set of options for a new Client.
type Opts struct {
	PrimaryURL       string
	FallbackURL      string
	Timeout          time.Duration
	RPS              int
	Burst            int
	BreakerThreshold int
	BreakerWindow    time.Duration
	BlockTTL         time.Duration
	HTTPClient       *http.Client
	Logger           *zap.Logger
	Hooks            Hooks
}

type endpoint struct {
	name string
	url  string
}

// Client is a JSON-RPC client over a primary and an optional fallback node.
// A circuit breaker on primary decides routing, a rate limiter caps outbound
// rate, and the latest final block hash is cached for BlockTTL.
type Client struct {
	primary  endpoint
	fallback *endpoint
	client   *http.Client
	logger   *zap.Logger
	hooks    Hooks
	breaker  *Breaker
	limiter  *rate.Limiter

	blockTTL   time.Duration
	blockMu    sync.Mutex
	blockHash  near.Hash
	blockAt    time.Time
	blockStale bool
	blockGroup singleflight.Group

	now func() time.Time
}

// New creates a Client. Only the primary URL is required.
func New(o Opts) (*Client, error) {
	if o.PrimaryURL == "" {
		return nil, errors.New("rpc: primary endpoint is required")
	}
	if o.RPS <= 0 {
		o.RPS = 200
	}
	if o.Burst <= 0 {
		o.Burst = 2 * o.RPS
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.BlockTTL <= 0 {
		o.BlockTTL = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	urls := utils.Dedup([]string{o.PrimaryURL, o.FallbackURL})
	c := &Client{
		primary:  endpoint{name: EndpointPrimary, url: urls[0]},
		client:   client,
		logger:   o.Logger.With(zap.String("component", "rpc")),
		hooks:    o.Hooks,
		breaker:  NewBreaker(o.BreakerThreshold, o.BreakerWindow),
		limiter:  rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		blockTTL: o.BlockTTL,
		now:      time.Now,
	}
	if len(urls) > 1 {
		c.fallback = &endpoint{name: EndpointFallback, url: urls[1]}
	}
	return c, nil
}

// Breaker exposes the primary breaker for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// IsCircuitOpen reports whether calls currently skip primary.
func (c *Client) IsCircuitOpen() bool { return c.breaker.IsOpen() }

// route returns the endpoints to try, in order. With no fallback configured
// primary is always tried so the client never refuses outright.
func (c *Client) route() []endpoint {
	if c.fallback == nil {
		return []endpoint{c.primary}
	}
	if c.breaker.IsOpen() {
		return []endpoint{*c.fallback}
	}
	return []endpoint{c.primary, *c.fallback}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// call runs one JSON-RPC method against the routed endpoints. A definitive
// error object from a healthy node is returned as *Error without failover.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	return c.callOn(ctx, c.route(), method, params, out)
}

func (c *Client) callOn(ctx context.Context, targets []endpoint, method string, params any, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "relayx", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpc: encode %s: %w", method, err)
	}

	var errs []error
	primaryFailed := false
	for _, ep := range targets {
		result, rpcErr, err := c.post(ctx, ep, payload)
		if err != nil {
			errs = append(errs, &endpointError{endpoint: ep.name, err: err})
			if ctx.Err() != nil {
				// Caller gave up; the endpoint is not to blame.
				break
			}
			c.noteFailure(ep, method, err)
			if ep.name == EndpointPrimary {
				primaryFailed = true
			}
			continue
		}

		c.noteSuccess(ep)
		if primaryFailed && ep.name == EndpointFallback {
			c.failover("fallback_answered")
		}
		if rpcErr != nil {
			return rpcErr
		}
		if out != nil {
			if err := json.Unmarshal(result, out); err != nil {
				return fmt.Errorf("rpc: decode %s result: %w", method, err)
			}
		}
		return nil
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no endpoint available"))
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, method, errors.Join(errs...))
}

// post sends one request. The third return is non-nil only for failures of
// the endpoint itself.
func (c *Client) post(ctx context.Context, ep endpoint, payload []byte) (json.RawMessage, *Error, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 500 {
		return nil, nil, fmt.Errorf("server %d", resp.StatusCode)
	}

	var body rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("undecodable response (http %d): %w", resp.StatusCode, err)
	}
	if body.Error != nil {
		if body.Error.endpointLevel() {
			return nil, nil, body.Error
		}
		return nil, body.Error, nil
	}
	if resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return body.Result, nil, nil
}

func (c *Client) noteFailure(ep endpoint, method string, err error) {
	c.logger.Warn("rpc endpoint failed",
		zap.String("endpoint", ep.name),
		zap.String("method", method),
		zap.Error(err))
	if c.hooks.OnEndpointError != nil {
		c.hooks.OnEndpointError(ep.name, err)
	}
	if ep.name != EndpointPrimary {
		return
	}
	if c.breaker.RecordFailure() && c.fallback != nil {
		c.failover("breaker_open")
	}
}

func (c *Client) noteSuccess(ep endpoint) {
	if ep.name != EndpointPrimary {
		return
	}
	if c.breaker.RecordSuccess() {
		// Back on primary; its head may differ from fallback's.
		c.logger.Info("rpc breaker closed")
		c.markBlockStale()
	}
}

func (c *Client) failover(reason string) {
	c.logger.Warn("rpc failover", zap.String("reason", reason))
	c.markBlockStale()
	if c.hooks.OnFailover != nil {
		c.hooks.OnFailover()
	}
}

func (c *Client) markBlockStale() {
	c.blockMu.Lock()
	c.blockStale = true
	c.blockMu.Unlock()
}
