package realtime

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// envelope is one Phoenix frame in the vsn=1.0.0 JSON object form:
// {join_ref, ref, topic, event, payload}. join_ref is set on phx_join
// and echoed by the server on channel-scoped events; ref correlates
// replies to outbound messages.
type envelope struct {
	JoinRef *string         `json:"join_ref,omitempty"`
	Ref     *string         `json:"ref"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// refCounter hands out monotonically increasing message refs, shared by
// every channel multiplexed over one socket.
type refCounter struct {
	n int64
}

func (r *refCounter) next() string {
	v := atomic.AddInt64(&r.n, 1)
	return strconv.FormatInt(v, 10)
}

// Phoenix system event names.
const (
	eventPhxJoin         = "phx_join"
	eventPhxLeave        = "phx_leave"
	eventPhxReply        = "phx_reply"
	eventPhxClose        = "phx_close"
	eventPhxError        = "phx_error"
	eventHeartbeat       = "heartbeat"
	eventPostgresChanges = "postgres_changes"
	eventBroadcast       = "broadcast"
	eventPresenceState   = "presence_state"
	eventPresenceDiff    = "presence_diff"
	eventAccessToken     = "access_token"
	heartbeatTopic       = "phoenix"
)

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// replyResult is what a pending-reply waiter receives: either the
// decoded reply or the error that terminated the socket first.
type replyResult struct {
	reply replyPayload
	err   error
}
