// Package realtime implements the Phoenix-Channels-style websocket
// client: a single multiplexed connection, per-topic channel state
// machines, heartbeats, and reconnect with backoff.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jsupabase/jsupabase-sub001/config"
	"github.com/jsupabase/jsupabase-sub001/errs"
)

var log = logrus.WithField("component", "realtime")

var errConnLost = errors.New("realtime: connection lost")

const (
	heartbeatInterval    = 30 * time.Second
	heartbeatReplyBudget = 15 * time.Second
	maxMissedHeartbeats  = 2
)

// Client owns the single websocket connection shared by every channel
// and dispatches inbound frames to the matching Channel. Outbound
// writes are serialized by writeMu; replies are correlated to pending
// waiters by ref.
type Client struct {
	cfg *config.Config

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*Channel
	pending  map[string]chan replyResult
	authTok  string
	refs     refCounter
	writeMu  sync.Mutex

	// heartbeatLimiter paces outbound heartbeat frames so a burst of
	// queued ticks after a stall never sends more than one per interval.
	heartbeatLimiter *rate.Limiter
	missedBeats      int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a realtime Client bound to cfg. Connect must be called
// before channels can join.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg:              cfg,
		channels:         make(map[string]*Channel),
		pending:          make(map[string]chan replyResult),
		heartbeatLimiter: rate.NewLimiter(rate.Every(heartbeatInterval), 1),
	}
}

func (c *Client) wsURL() string {
	u := *c.cfg.BaseURL()
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.cfg.RealtimePath() + "/websocket"
	q := url.Values{}
	q.Set("apikey", c.cfg.APIKey())
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the realtime websocket and starts the read pump and
// heartbeat loop. It reconnects automatically with exponential backoff
// until ctx is cancelled or Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(runCtx, c.wsURL(), nil)
	if err != nil {
		cancel()
		return &errs.TransportError{Cause: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(runCtx)
	return nil
}

// Disconnect closes the websocket connection, stops reconnecting,
// rejects every pending reply waiter with a cancellation error, and
// ends every channel's dispatch goroutine.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.failPending(&errs.CancelledError{Reason: "realtime client closed"})
	for _, ch := range channels {
		ch.stop()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Channel returns the Channel for topic, creating it if unseen.
func (c *Client) Channel(topic string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := newChannel(c, topic)
	c.channels[topic] = ch
	return ch
}

func (c *Client) lookup(topic string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

func (c *Client) forget(topic string) {
	c.mu.Lock()
	ch := c.channels[topic]
	delete(c.channels, topic)
	c.mu.Unlock()
	if ch != nil {
		ch.stop()
	}
}

// SetAuth updates the access token used for new joins and broadcasts it
// to every currently joined channel, per the Phoenix access_token
// message convention. The socket itself stays up.
func (c *Client) SetAuth(token string) {
	c.mu.Lock()
	c.authTok = token
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if ch.State() != StateJoined {
			continue
		}
		_ = c.push(ch.topic, eventAccessToken, map[string]string{"access_token": token}, ch.currentJoinRef())
	}
}

func (c *Client) currentAuth() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authTok
}

// push sends a fire-and-forget message: a ref is allocated (the server
// requires one) but no reply waiter is registered.
func (c *Client) push(topic, event string, payload interface{}, joinRef *string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &errs.DecodeError{Cause: err}
	}
	ref := c.refs.next()
	return c.writeEnvelope(envelope{JoinRef: joinRef, Ref: &ref, Topic: topic, Event: event, Payload: data})
}

// request sends a message and registers a reply waiter keyed by the
// allocated ref. The waiter receives exactly one replyResult: the
// decoded phx_reply, or the error that terminated the socket first.
func (c *Client) request(topic, event string, payload interface{}) (<-chan replyResult, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", &errs.DecodeError{Cause: err}
	}
	ref := c.refs.next()
	env := envelope{Ref: &ref, Topic: topic, Event: event, Payload: data}
	if event == eventPhxJoin {
		env.JoinRef = &ref
	}

	waiter := make(chan replyResult, 1)
	c.mu.Lock()
	c.pending[ref] = waiter
	c.mu.Unlock()

	if err := c.writeEnvelope(env); err != nil {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return nil, "", err
	}
	return waiter, ref, nil
}

// resolveReply hands an inbound phx_reply to the waiter registered for
// its ref. An unmatched reply is logged and dropped.
func (c *Client) resolveReply(ref string, payload json.RawMessage) {
	c.mu.Lock()
	waiter, ok := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if !ok {
		log.WithField("ref", ref).Debug("realtime: dropping unmatched reply")
		return
	}

	var reply replyPayload
	if err := json.Unmarshal(payload, &reply); err != nil {
		waiter <- replyResult{err: &errs.DecodeError{Cause: err}}
		return
	}
	waiter <- replyResult{reply: reply}
}

// failPending rejects every registered reply waiter with err. Called on
// socket termination so no waiter blocks forever.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan replyResult)
	c.mu.Unlock()
	for _, waiter := range pending {
		waiter <- replyResult{err: err}
	}
}

func (c *Client) writeEnvelope(env envelope) error {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return &errs.DecodeError{Cause: err}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &errs.ProtocolError{Reason: "realtime: not connected"}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &errs.TransportError{Cause: err}
	}
	return nil
}

// runLoop owns one connection's lifetime: heartbeat pacing, read pump,
// and reconnect-with-backoff once the connection drops. An explicit
// Disconnect cancels ctx and ends the loop instead of reconnecting.
func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()

	var bo backoff
	for {
		c.readPump(ctx)
		if ctx.Err() != nil {
			c.failPending(&errs.CancelledError{Reason: "realtime client closed"})
			return
		}
		c.failPending(&errs.TransportError{Cause: errConnLost})

		delay := bo.next()
		log.WithField("delay", delay).Warn("realtime: connection lost, reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.missedBeats = 0
		c.mu.Unlock()
		bo.reset()
		c.resubscribeAll(ctx)
	}
}

func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.setState(StateClosed)
		go func(ch *Channel) {
			if err := ch.Subscribe(ctx); err != nil {
				log.WithError(err).WithField("topic", ch.topic).Warn("realtime: rejoin failed")
			}
		}(ch)
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	stop := make(chan struct{})
	go c.heartbeatLoop(ctx, conn, stop)
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("realtime: malformed frame")
			continue
		}
		if env.Event == eventPhxReply {
			if env.Ref == nil {
				log.Warn("realtime: reply frame without ref")
				continue
			}
			c.resolveReply(*env.Ref, env.Payload)
			continue
		}
		if ch := c.lookup(env.Topic); ch != nil {
			ch.enqueue(env)
		}
	}
}

// heartbeatLoop sends a heartbeat every heartbeatInterval and waits up
// to heartbeatReplyBudget for its reply. One missed reply is tolerated;
// two consecutive misses force-close the connection so runLoop's
// reconnect path takes over.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.heartbeatLimiter.Wait(ctx); err != nil {
				return
			}
			waiter, _, err := c.request(heartbeatTopic, eventHeartbeat, json.RawMessage("{}"))
			if err != nil {
				return
			}

			select {
			case res := <-waiter:
				if res.err != nil {
					return
				}
				c.mu.Lock()
				c.missedBeats = 0
				c.mu.Unlock()
			case <-time.After(heartbeatReplyBudget):
				c.mu.Lock()
				c.missedBeats++
				missed := c.missedBeats
				c.mu.Unlock()
				if missed >= maxMissedHeartbeats {
					conn.Close()
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
