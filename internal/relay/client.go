package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/ledgersync/internal/middleware"
	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

var _ Transport = (*Client)(nil)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
	restartTimeout    = 10 * time.Second
)

// Client is a Transport talking to a relay Server over Connect. All group
// subscriptions of a Client share one server stream.
type Client struct {
	push      *connect.Client[PushRequest, PushResponse]
	fetch     *connect.Client[FetchSinceRequest, FetchSinceResponse]
	subscribe *connect.Client[SubscribeRequest, SubscribeResponse]
	register  *connect.Client[CredentialsRequest, TokenResponse]
	login     *connect.Client[CredentialsRequest, TokenResponse]
	logger    *slog.Logger

	tokenMu sync.RWMutex
	token   string

	subMu    sync.Mutex
	nextSub  uint64
	handlers map[string]map[uint64]func(*models.UpdateRecord)
	stop     context.CancelFunc
	stopped  chan struct{}
}

// NewClient creates a client for the relay at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		logger:   logger,
		handlers: make(map[string]map[uint64]func(*models.UpdateRecord)),
	}
	opts := []connect.ClientOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(middleware.BearerToken(c.Token)),
	}
	c.push = connect.NewClient[PushRequest, PushResponse](httpClient, baseURL+PushProcedure, opts...)
	c.fetch = connect.NewClient[FetchSinceRequest, FetchSinceResponse](httpClient, baseURL+FetchSinceProcedure, opts...)
	c.subscribe = connect.NewClient[SubscribeRequest, SubscribeResponse](httpClient, baseURL+SubscribeProcedure, opts...)
	c.register = connect.NewClient[CredentialsRequest, TokenResponse](httpClient, baseURL+RegisterProcedure, opts...)
	c.login = connect.NewClient[CredentialsRequest, TokenResponse](httpClient, baseURL+LoginProcedure, opts...)
	return c
}

// Token returns the actor token sent with every call.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", sentinel.ErrTransport, op, err)
}

// Register creates the actor on the relay and keeps the returned token.
func (c *Client) Register(ctx context.Context, actorID, secret string) (string, error) {
	resp, err := c.register.CallUnary(ctx, connect.NewRequest(&CredentialsRequest{ActorID: actorID, Secret: secret}))
	if err != nil {
		return "", transportError("register", err)
	}
	c.SetToken(resp.Msg.Token)
	return resp.Msg.Token, nil
}

// Login authenticates the actor and keeps the returned token.
func (c *Client) Login(ctx context.Context, actorID, secret string) (string, error) {
	resp, err := c.login.CallUnary(ctx, connect.NewRequest(&CredentialsRequest{ActorID: actorID, Secret: secret}))
	if err != nil {
		return "", transportError("login", err)
	}
	c.SetToken(resp.Msg.Token)
	return resp.Msg.Token, nil
}

func (c *Client) Push(ctx context.Context, rec *models.UpdateRecord) (*models.UpdateRecord, error) {
	resp, err := c.push.CallUnary(ctx, connect.NewRequest(&PushRequest{
		GroupID:    rec.GroupID,
		Timestamp:  rec.Timestamp,
		ActorID:    rec.ActorID,
		UpdateData: rec.UpdateData,
		Version:    rec.Version,
	}))
	if err != nil {
		return nil, transportError("push", err)
	}
	if resp.Msg.Record == nil {
		return nil, transportError("push", errors.New("empty response"))
	}
	return resp.Msg.Record, nil
}

func (c *Client) FetchSince(ctx context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error) {
	resp, err := c.fetch.CallUnary(ctx, connect.NewRequest(&FetchSinceRequest{
		GroupID: groupID,
		Since:   since,
		Limit:   limit,
	}))
	if err != nil {
		return nil, transportError("fetch", err)
	}
	return resp.Msg.Records, nil
}

func (c *Client) FetchAll(ctx context.Context, groupID string) ([]*models.UpdateRecord, error) {
	return fetchAll(ctx, c, groupID)
}

// Subscribe registers onCreate for groupID and restarts the shared stream
// with the new group set. It returns once the server confirmed the stream.
func (c *Client) Subscribe(ctx context.Context, groupID string, onCreate func(*models.UpdateRecord)) (Subscription, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	if c.handlers[groupID] == nil {
		c.handlers[groupID] = make(map[uint64]func(*models.UpdateRecord))
	}
	c.handlers[groupID][id] = onCreate

	if err := c.restartLocked(ctx); err != nil {
		c.removeLocked(groupID, id)
		// bring the remaining groups back if there are any
		if rerr := c.restartLocked(ctx); rerr != nil {
			c.logger.Warn("Failed to restore subscription stream", "error", rerr)
		}
		return nil, err
	}
	return &clientSubscription{client: c, groupID: groupID, id: id}, nil
}

func (c *Client) removeLocked(groupID string, id uint64) {
	delete(c.handlers[groupID], id)
	if len(c.handlers[groupID]) == 0 {
		delete(c.handlers, groupID)
	}
}

// routes snapshots the handler table for a stream goroutine.
func (c *Client) routesLocked() (map[string][]func(*models.UpdateRecord), []string) {
	routes := make(map[string][]func(*models.UpdateRecord), len(c.handlers))
	groups := make([]string, 0, len(c.handlers))
	for g, hs := range c.handlers {
		groups = append(groups, g)
		for _, h := range hs {
			routes[g] = append(routes[g], h)
		}
	}
	sort.Strings(groups)
	return routes, groups
}

// restartLocked stops the current stream and, if any group is still
// subscribed, opens a new one and waits for its ready marker. Handlers
// must not block, or stopping the old stream waits on them.
func (c *Client) restartLocked(ctx context.Context) error {
	if c.stop != nil {
		c.stop()
		<-c.stopped
		c.stop, c.stopped = nil, nil
	}

	routes, groups := c.routesLocked()
	if len(groups) == 0 {
		return nil
	}

	streamCtx, stop := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	ready := make(chan error, 1)
	go c.run(streamCtx, groups, routes, ready, stopped)

	select {
	case err := <-ready:
		if err != nil {
			stop()
			<-stopped
			return transportError("subscribe", err)
		}
	case <-ctx.Done():
		stop()
		<-stopped
		return ctx.Err()
	}
	c.stop, c.stopped = stop, stopped
	return nil
}

// run owns one stream. Only the first connection reports to ready; later
// drops are retried with backoff until ctx is cancelled.
func (c *Client) run(ctx context.Context, groups []string, routes map[string][]func(*models.UpdateRecord), ready chan<- error, stopped chan<- struct{}) {
	defer close(stopped)

	delay := minReconnectDelay
	first := true
	for {
		err := c.stream(ctx, groups, routes, func() {
			if first {
				ready <- nil
				first = false
			}
			delay = minReconnectDelay
		})
		if first {
			if err == nil {
				err = errors.New("stream closed before ready")
			}
			ready <- err
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("Subscription stream dropped, reconnecting",
			"groups", groups,
			"error", err,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) stream(ctx context.Context, groups []string, routes map[string][]func(*models.UpdateRecord), onReady func()) error {
	stream, err := c.subscribe.CallServerStream(ctx, connect.NewRequest(&SubscribeRequest{GroupIDs: groups}))
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		rec := stream.Msg().Record
		if rec == nil {
			onReady()
			continue
		}
		for _, h := range routes[rec.GroupID] {
			h(rec)
		}
	}
	return stream.Err()
}

// Close ends every subscription of the client.
func (c *Client) Close() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.handlers = make(map[string]map[uint64]func(*models.UpdateRecord))
	if err := c.restartLocked(context.Background()); err != nil { // no groups left, returns at once
		c.logger.Warn("Failed to stop subscription stream", "error", err)
	}
}

type clientSubscription struct {
	client  *Client
	groupID string
	id      uint64
	once    sync.Once
}

// Close removes the handler and restarts the shared stream without it.
// It must not be called from inside the handler.
func (s *clientSubscription) Close() {
	s.once.Do(func() {
		c := s.client
		c.subMu.Lock()
		defer c.subMu.Unlock()
		c.removeLocked(s.groupID, s.id)
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if err := c.restartLocked(ctx); err != nil {
			c.logger.Warn("Failed to restart subscription stream", "error", err)
		}
	})
}
