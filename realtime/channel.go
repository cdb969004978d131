package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jsupabase/jsupabase-sub001/errs"
)

// State is a channel's position in the join/leave lifecycle.
type State int32

const (
	StateClosed State = iota
	StateJoining
	StateJoined
	StateLeaving
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// PostgresChangeFilter scopes a postgres_changes subscription.
type PostgresChangeFilter struct {
	Event  string // INSERT, UPDATE, DELETE, or "*"
	Schema string
	Table  string
	Filter string // e.g. "id=eq.1"
}

// PostgresChangePayload is the decoded data of a postgres_changes event.
type PostgresChangePayload struct {
	Schema          string                 `json:"schema"`
	Table           string                 `json:"table"`
	Type            string                 `json:"type"`
	CommitTimestamp string                 `json:"commit_timestamp"`
	Columns         []json.RawMessage      `json:"columns"`
	Record          map[string]interface{} `json:"record"`
	OldRecord       map[string]interface{} `json:"old_record"`
	Errors          []string               `json:"errors"`
}

// BroadcastPayload is the decoded payload of a broadcast event.
type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type postgresSub struct {
	filter   PostgresChangeFilter
	serverID int64 // assigned by the server in the join reply, 0 until then
	callback func(PostgresChangePayload)
}

type broadcastSub struct {
	event    string
	callback func(BroadcastPayload)
}

// dispatchQueueSize bounds how far one channel's listeners may fall
// behind the socket reader before frames are dropped.
const dispatchQueueSize = 64

// Channel is one Phoenix Channel topic multiplexed over the client's
// single websocket connection. Inbound frames are queued by the socket
// reader and drained by the channel's own dispatch goroutine, so
// callbacks on one channel run in arrival order but never hold up
// delivery to another channel.
type Channel struct {
	client *Client
	topic  string

	mu       sync.Mutex
	state    State
	joinRef  string
	presence map[string]json.RawMessage
	stopped  bool

	queue chan envelope

	// dispatchMu serializes listener invocation against serverID
	// capture on join, which runs on the subscriber's goroutine.
	dispatchMu sync.Mutex

	postgresSubs  []postgresSub
	broadcastSubs []broadcastSub
	presenceSync  func()
	presenceJoin  func(key string, meta json.RawMessage)
	presenceLeave func(key string, meta json.RawMessage)
}

func newChannel(c *Client, topic string) *Channel {
	ch := &Channel{
		client: c,
		topic:  topic,
		state:  StateClosed,
		queue:  make(chan envelope, dispatchQueueSize),
	}
	go ch.dispatchLoop()
	return ch
}

// State returns the channel's current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

func (ch *Channel) currentJoinRef() *string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.joinRef == "" {
		return nil
	}
	ref := ch.joinRef
	return &ref
}

// OnPostgresChanges registers a callback for a postgres_changes
// subscription matching filter. Must be called before Subscribe.
func (ch *Channel) OnPostgresChanges(filter PostgresChangeFilter, cb func(PostgresChangePayload)) *Channel {
	ch.postgresSubs = append(ch.postgresSubs, postgresSub{filter: filter, callback: cb})
	return ch
}

// OnBroadcast registers a callback for a named broadcast event. Must be
// called before Subscribe.
func (ch *Channel) OnBroadcast(event string, cb func(BroadcastPayload)) *Channel {
	ch.broadcastSubs = append(ch.broadcastSubs, broadcastSub{event: event, callback: cb})
	return ch
}

// OnPresenceSync registers the callback invoked after a presence_state
// snapshot replaces the local presence map.
func (ch *Channel) OnPresenceSync(cb func()) *Channel {
	ch.presenceSync = cb
	return ch
}

// OnPresenceJoin registers the callback invoked once per key joining
// the topic as presence_diff events are applied.
func (ch *Channel) OnPresenceJoin(cb func(key string, meta json.RawMessage)) *Channel {
	ch.presenceJoin = cb
	return ch
}

// OnPresenceLeave registers the callback invoked once per key leaving
// the topic as presence_diff events are applied.
func (ch *Channel) OnPresenceLeave(cb func(key string, meta json.RawMessage)) *Channel {
	ch.presenceLeave = cb
	return ch
}

// Presence returns a copy of the local presence map: participant key to
// the metadata last announced for it.
func (ch *Channel) Presence() map[string]json.RawMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	cp := make(map[string]json.RawMessage, len(ch.presence))
	for k, v := range ch.presence {
		cp[k] = v
	}
	return cp
}

// Subscribe joins the channel on the server, blocking until the join is
// acknowledged, rejected, or ctx is cancelled. Subscribing while already
// JOINING or JOINED is a no-op.
func (ch *Channel) Subscribe(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateJoined || ch.state == StateJoining {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateJoining
	ch.mu.Unlock()

	configs := make([]map[string]string, 0, len(ch.postgresSubs))
	for _, s := range ch.postgresSubs {
		configs = append(configs, map[string]string{
			"event":  orStar(s.filter.Event),
			"schema": orDefault(s.filter.Schema, "public"),
			"table":  s.filter.Table,
			"filter": s.filter.Filter,
		})
	}
	payload := map[string]interface{}{
		"config": map[string]interface{}{
			"postgres_changes": configs,
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
		},
	}
	if token := ch.client.currentAuth(); token != "" {
		payload["access_token"] = token
	}

	waiter, ref, err := ch.client.request(ch.topic, eventPhxJoin, payload)
	if err != nil {
		ch.setState(StateErrored)
		return err
	}
	ch.mu.Lock()
	ch.joinRef = ref
	ch.mu.Unlock()

	select {
	case res := <-waiter:
		if res.err != nil {
			ch.setState(StateErrored)
			return res.err
		}
		if res.reply.Status != "ok" {
			ch.setState(StateErrored)
			return &errs.ProtocolError{Reason: "join rejected: " + string(res.reply.Response)}
		}
		ch.captureServerIDs(res.reply.Response)
		ch.setState(StateJoined)
		return nil
	case <-ctx.Done():
		ch.setState(StateErrored)
		return &errs.CancelledError{Reason: "subscribe cancelled: " + ctx.Err().Error()}
	case <-time.After(joinTimeout):
		ch.setState(StateErrored)
		return &errs.ProtocolError{Reason: "join reply timed out for topic " + ch.topic}
	}
}

// captureServerIDs records the server-assigned postgres_changes ids
// echoed in the join reply. Ids correlate inbound change frames to
// registered listeners; they arrive in declaration order.
func (ch *Channel) captureServerIDs(response json.RawMessage) {
	var resp struct {
		PostgresChanges []struct {
			ID int64 `json:"id"`
		} `json:"postgres_changes"`
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return
	}
	ch.dispatchMu.Lock()
	defer ch.dispatchMu.Unlock()
	for i := range ch.postgresSubs {
		if i < len(resp.PostgresChanges) {
			ch.postgresSubs[i].serverID = resp.PostgresChanges[i].ID
		}
	}
}

// Unsubscribe leaves the channel: phx_leave is sent, the channel
// transitions LEAVING, and after the reply acknowledges the leave it
// transitions CLOSED and is removed from the client's registry.
func (ch *Channel) Unsubscribe(ctx context.Context) error {
	ch.setState(StateLeaving)
	waiter, _, err := ch.client.request(ch.topic, eventPhxLeave, map[string]interface{}{})
	if err != nil {
		ch.client.forget(ch.topic)
		ch.setState(StateClosed)
		return err
	}

	defer func() {
		ch.client.forget(ch.topic)
		ch.setState(StateClosed)
	}()

	select {
	case res := <-waiter:
		return res.err
	case <-ctx.Done():
		return &errs.CancelledError{Reason: "unsubscribe cancelled: " + ctx.Err().Error()}
	case <-time.After(joinTimeout):
		return &errs.ProtocolError{Reason: "leave reply timed out for topic " + ch.topic}
	}
}

// enqueue hands an inbound frame to the channel's dispatch goroutine.
// Called by the socket reader; never blocks it — if the channel's
// listeners have fallen dispatchQueueSize frames behind, the frame is
// logged and dropped.
func (ch *Channel) enqueue(env envelope) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.stopped {
		return
	}
	select {
	case ch.queue <- env:
	default:
		log.WithField("topic", ch.topic).WithField("event", env.Event).
			Warn("realtime: dispatch queue full, dropping frame")
	}
}

// stop ends the dispatch goroutine. Frames enqueued before stop are
// still delivered.
func (ch *Channel) stop() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.stopped {
		return
	}
	ch.stopped = true
	close(ch.queue)
}

// dispatchLoop drains the channel's frame queue one envelope at a time,
// preserving arrival order for this topic without holding up any other
// channel's delivery.
func (ch *Channel) dispatchLoop() {
	for env := range ch.queue {
		ch.dispatch(env)
	}
}

func (ch *Channel) dispatch(ev envelope) {
	ch.dispatchMu.Lock()
	defer ch.dispatchMu.Unlock()

	switch ev.Event {
	case eventPostgresChanges:
		ch.handlePostgresChange(ev)
	case eventBroadcast:
		ch.handleBroadcast(ev)
	case eventPresenceState:
		ch.handlePresenceState(ev)
	case eventPresenceDiff:
		ch.handlePresenceDiff(ev)
	case eventPhxClose:
		ch.setState(StateClosed)
	case eventPhxError:
		ch.setState(StateErrored)
	}
}

// handlePostgresChange routes one change frame to its listeners. Frames
// carry the server-assigned subscription ids plus the change data; a
// listener matches by id when the join reply assigned one, falling back
// to event/schema/table comparison otherwise.
func (ch *Channel) handlePostgresChange(ev envelope) {
	var frame struct {
		IDs  []int64               `json:"ids"`
		Data PostgresChangePayload `json:"data"`
	}
	if err := json.Unmarshal(ev.Payload, &frame); err != nil {
		log.WithError(err).Warn("realtime: malformed postgres_changes payload")
		return
	}
	for _, s := range ch.postgresSubs {
		if !s.matches(frame.IDs, frame.Data) {
			continue
		}
		cb, data := s.callback, frame.Data
		invoke(func() { cb(data) })
	}
}

func (s postgresSub) matches(ids []int64, data PostgresChangePayload) bool {
	if s.serverID != 0 && len(ids) > 0 {
		for _, id := range ids {
			if id == s.serverID {
				return true
			}
		}
		return false
	}
	if s.filter.Event != "" && s.filter.Event != "*" && s.filter.Event != data.Type {
		return false
	}
	if s.filter.Schema != "" && data.Schema != "" && s.filter.Schema != data.Schema {
		return false
	}
	if s.filter.Table != "" && data.Table != "" && s.filter.Table != data.Table {
		return false
	}
	return true
}

func (ch *Channel) handleBroadcast(ev envelope) {
	var payload BroadcastPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return
	}
	for _, s := range ch.broadcastSubs {
		if s.event == payload.Event || s.event == "*" {
			cb := s.callback
			invoke(func() { cb(payload) })
		}
	}
}

// handlePresenceState replaces the local presence map with the server's
// snapshot, then invokes the SYNC handler.
func (ch *Channel) handlePresenceState(ev envelope) {
	var state map[string]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &state); err != nil {
		log.WithError(err).Warn("realtime: malformed presence_state payload")
		return
	}
	if state == nil {
		state = make(map[string]json.RawMessage)
	}
	ch.mu.Lock()
	ch.presence = state
	ch.mu.Unlock()

	if ch.presenceSync != nil {
		invoke(ch.presenceSync)
	}
}

// handlePresenceDiff merges a diff into the local presence map: joins
// are added, leaves removed, and the JOIN/LEAVE handlers are invoked
// once per affected key.
func (ch *Channel) handlePresenceDiff(ev envelope) {
	var diff struct {
		Joins  map[string]json.RawMessage `json:"joins"`
		Leaves map[string]json.RawMessage `json:"leaves"`
	}
	if err := json.Unmarshal(ev.Payload, &diff); err != nil {
		log.WithError(err).Warn("realtime: malformed presence_diff payload")
		return
	}

	ch.mu.Lock()
	if ch.presence == nil {
		ch.presence = make(map[string]json.RawMessage)
	}
	for k, v := range diff.Joins {
		ch.presence[k] = v
	}
	for k := range diff.Leaves {
		delete(ch.presence, k)
	}
	ch.mu.Unlock()

	if ch.presenceJoin != nil {
		for k, v := range diff.Joins {
			key, meta := k, v
			invoke(func() { ch.presenceJoin(key, meta) })
		}
	}
	if ch.presenceLeave != nil {
		for k, v := range diff.Leaves {
			key, meta := k, v
			invoke(func() { ch.presenceLeave(key, meta) })
		}
	}
}

// invoke runs one listener callback, recovering and logging a panic so
// a misbehaving listener never takes down the dispatch loop.
func invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("supabase: realtime listener panicked")
		}
	}()
	fn()
}

// Send publishes a broadcast message on this channel.
func (ch *Channel) Send(ctx context.Context, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &errs.DecodeError{Cause: err}
	}
	return ch.client.push(ch.topic, eventBroadcast, map[string]interface{}{
		"type":    "broadcast",
		"event":   event,
		"payload": json.RawMessage(data),
	}, ch.currentJoinRef())
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

const joinTimeout = 10 * time.Second
