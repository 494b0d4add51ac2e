package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/utils"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ClientPool spreads JSON-RPC requests over several connections to one endpoint. Read requests are retried on
// transport failures and identical in-flight reads are coalesced into a single request.
type ClientPool struct {
	clients          []*rpc.Client
	currentClientIdx int
	clientLock       sync.Mutex

	inflightRequests map[requestKey]*inflightRequest
	inflightLock     sync.Mutex

	// limiter throttles every attempt, retries included. Nil disables throttling.
	limiter *rate.Limiter

	endpoint     string
	maxRetries   int
	retryBackoff time.Duration

	logger *logging.Logger
}

// requestKey identifies a request for de-duplication.
type requestKey struct {
	Method string
	Args   string
}

// inflightRequest is a read request currently on the wire. Done is closed once Result or Error is set.
type inflightRequest struct {
	Done   chan struct{}
	Result json.RawMessage
	Error  error
}

// NewClientPool dials poolSize connections to endpoint.
func NewClientPool(ctx context.Context, endpoint string, poolSize int, limiter *rate.Limiter, maxRetries int) (*ClientPool, error) {
	poolSize = utils.Max(poolSize, 1)
	maxRetries = utils.Max(maxRetries, 1)
	pool := &ClientPool{
		clients:          make([]*rpc.Client, 0, poolSize),
		inflightRequests: make(map[requestKey]*inflightRequest),
		limiter:          limiter,
		endpoint:         endpoint,
		maxRetries:       maxRetries,
		retryBackoff:     100 * time.Millisecond,
		logger:           logging.GlobalLogger.NewSubLogger("module", logging.LEDGER_SERVICE),
	}
	for i := 0; i < poolSize; i++ {
		client, err := rpc.DialContext(ctx, endpoint)
		if err != nil {
			pool.Close()
			return nil, errors.Wrapf(err, "could not dial %s", endpoint)
		}
		pool.clients = append(pool.clients, client)
	}
	return pool, nil
}

// Endpoint returns the URL the pool is connected to.
func (c *ClientPool) Endpoint() string {
	return c.endpoint
}

// Close closes every connection.
func (c *ClientPool) Close() {
	for _, client := range c.clients {
		client.Close()
	}
}

func (c *ClientPool) getClient() *rpc.Client {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	client := c.clients[c.currentClientIdx]
	c.currentClientIdx = (c.currentClientIdx + 1) % len(c.clients)
	return client
}

func (c *ClientPool) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return errors.WithStack(c.limiter.Wait(ctx))
}

// Send performs a single attempt of a request. It is used for state-changing requests, which must never be repeated.
func (c *ClientPool) Send(ctx context.Context, result any, method string, args ...any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.getClient().CallContext(ctx, result, method, args...)
}

// Query performs a read request, retrying transport failures and sharing the response with identical concurrent
// requests. Errors returned by the node itself (reverts, invalid params) are not retried.
func (c *ClientPool) Query(ctx context.Context, result any, method string, args ...any) error {
	serialized, err := json.Marshal(args)
	if err != nil {
		return errors.WithStack(err)
	}
	key := requestKey{Method: method, Args: string(serialized)}

	c.inflightLock.Lock()
	request, exists := c.inflightRequests[key]
	if !exists {
		request = &inflightRequest{Done: make(chan struct{})}
		c.inflightRequests[key] = request
		go c.launchRequest(ctx, key, request, method, args...)
	}
	c.inflightLock.Unlock()

	select {
	case <-request.Done:
		if request.Error != nil {
			return request.Error
		}
		if result == nil {
			return nil
		}
		return errors.WithStack(json.Unmarshal(request.Result, result))
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (c *ClientPool) launchRequest(ctx context.Context, key requestKey, request *inflightRequest, method string, args ...any) {
	defer func() {
		c.inflightLock.Lock()
		delete(c.inflightRequests, key)
		c.inflightLock.Unlock()
		close(request.Done)
	}()

	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err = c.wait(ctx); err != nil {
			break
		}
		var raw json.RawMessage
		err = c.getClient().CallContext(ctx, &raw, method, args...)
		if err == nil {
			request.Result = raw
			return
		}

		// The node answered; repeating the request will not change the answer.
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) || ctx.Err() != nil {
			break
		}
		c.logger.Debug("Retrying ", method, " against ", c.endpoint, " after transport failure", err)
		select {
		case <-time.After(time.Duration(attempt+1) * c.retryBackoff):
		case <-ctx.Done():
		}
	}
	request.Error = err
}
