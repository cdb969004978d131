package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jsupabase/jsupabase-sub001/config"
)

// newTestServer runs a fake Phoenix peer: every inbound frame is decoded
// and handed to handle along with the live connection.
func newTestServer(t *testing.T, handle func(conn *websocket.Conn, env envelope)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go func() {
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var env envelope
				if err := json.Unmarshal(data, &env); err != nil {
					continue
				}
				handle(conn, env)
			}
		}()
	}))
}

func writeReply(conn *websocket.Conn, env envelope, payload string) {
	reply := envelope{
		JoinRef: env.JoinRef,
		Ref:     env.Ref,
		Topic:   env.Topic,
		Event:   eventPhxReply,
		Payload: json.RawMessage(payload),
	}
	data, _ := json.Marshal(reply)
	conn.WriteMessage(websocket.TextMessage, data)
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg, err := config.NewBuilder(srv.URL, "anon-key").Build()
	require.NoError(t, err)
	return New(cfg)
}

func TestSubscribeCompletesOnOkReply(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Event == eventPhxJoin {
			writeReply(conn, env, `{"status":"ok","response":{}}`)
		}
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	ch := c.Channel("realtime:public:todos")
	err := ch.Subscribe(ctx)
	require.NoError(t, err)
	require.Equal(t, StateJoined, ch.State())
}

func TestSubscribeFailsOnErrorReply(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Event == eventPhxJoin {
			writeReply(conn, env, `{"status":"error","response":{"reason":"unauthorized"}}`)
		}
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	ch := c.Channel("realtime:public:todos")
	err := ch.Subscribe(ctx)
	require.Error(t, err)
	require.Equal(t, StateErrored, ch.State())
}

func TestPostgresChangeDispatchedAfterJoin(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Event != eventPhxJoin {
			return
		}
		writeReply(conn, env, `{"status":"ok","response":{"postgres_changes":[{"id":31,"event":"INSERT","schema":"public","table":"todos"}]}}`)

		change := envelope{
			JoinRef: env.JoinRef, Topic: env.Topic,
			Event:   eventPostgresChanges,
			Payload: json.RawMessage(`{"ids":[31],"data":{"schema":"public","table":"todos","type":"INSERT","record":{"id":1}}}`),
		}
		data, _ := json.Marshal(change)
		conn.WriteMessage(websocket.TextMessage, data)
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	received := make(chan PostgresChangePayload, 1)
	ch := c.Channel("realtime:public:todos")
	ch.OnPostgresChanges(PostgresChangeFilter{Event: "INSERT", Table: "todos"}, func(p PostgresChangePayload) {
		received <- p
	})
	require.NoError(t, ch.Subscribe(ctx))

	select {
	case p := <-received:
		require.Equal(t, "todos", p.Table)
		require.Equal(t, "INSERT", p.Type)
		require.Equal(t, float64(1), p.Record["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for postgres_changes dispatch")
	}
}

func TestServerIDCorrelationSkipsOtherListeners(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Event != eventPhxJoin {
			return
		}
		writeReply(conn, env, `{"status":"ok","response":{"postgres_changes":[{"id":10},{"id":20}]}}`)

		change := envelope{
			JoinRef: env.JoinRef, Topic: env.Topic,
			Event:   eventPostgresChanges,
			Payload: json.RawMessage(`{"ids":[20],"data":{"schema":"public","table":"todos","type":"DELETE","record":{}}}`),
		}
		data, _ := json.Marshal(change)
		conn.WriteMessage(websocket.TextMessage, data)
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	ch := c.Channel("realtime:public:todos")
	ch.OnPostgresChanges(PostgresChangeFilter{Event: "INSERT", Table: "todos"}, func(PostgresChangePayload) {
		first <- struct{}{}
	})
	ch.OnPostgresChanges(PostgresChangeFilter{Event: "DELETE", Table: "todos"}, func(PostgresChangePayload) {
		second <- struct{}{}
	})
	require.NoError(t, ch.Subscribe(ctx))

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for id-correlated dispatch")
	}
	select {
	case <-first:
		t.Fatal("listener with non-matching server id was invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeLeavesAndForgets(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		switch env.Event {
		case eventPhxJoin, eventPhxLeave:
			writeReply(conn, env, `{"status":"ok","response":{}}`)
		}
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	ch := c.Channel("realtime:public:todos")
	require.NoError(t, ch.Subscribe(ctx))
	require.NoError(t, ch.Unsubscribe(ctx))
	require.Equal(t, StateClosed, ch.State())

	// The registry no longer holds the old channel.
	require.NotSame(t, ch, c.Channel("realtime:public:todos"))
}

func TestPresenceStateReplacesMapAndFiresSync(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Event != eventPhxJoin {
			return
		}
		writeReply(conn, env, `{"status":"ok","response":{}}`)

		state := envelope{
			JoinRef: env.JoinRef, Topic: env.Topic,
			Event:   eventPresenceState,
			Payload: json.RawMessage(`{"user-1":{"metas":[{"online_at":"t1"}]},"user-2":{"metas":[{"online_at":"t2"}]}}`),
		}
		data, _ := json.Marshal(state)
		conn.WriteMessage(websocket.TextMessage, data)
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	synced := make(chan struct{}, 1)
	ch := c.Channel("realtime:public:room")
	ch.OnPresenceSync(func() { synced <- struct{}{} })
	require.NoError(t, ch.Subscribe(ctx))

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence sync")
	}

	presence := ch.Presence()
	require.Len(t, presence, 2)
	require.Contains(t, presence, "user-1")
	require.Contains(t, presence, "user-2")
}

func TestPresenceDiffAppliesJoinsAndLeaves(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Event != eventPhxJoin {
			return
		}
		writeReply(conn, env, `{"status":"ok","response":{}}`)

		frames := []envelope{
			{
				JoinRef: env.JoinRef, Topic: env.Topic,
				Event:   eventPresenceState,
				Payload: json.RawMessage(`{"user-1":{"metas":[{"online_at":"t1"}]}}`),
			},
			{
				JoinRef: env.JoinRef, Topic: env.Topic,
				Event:   eventPresenceDiff,
				Payload: json.RawMessage(`{"joins":{"user-2":{"metas":[{"online_at":"t2"}]}},"leaves":{"user-1":{"metas":[{"online_at":"t1"}]}}}`),
			},
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	joins := make(chan string, 1)
	leaves := make(chan string, 1)
	ch := c.Channel("realtime:public:room")
	ch.OnPresenceJoin(func(key string, meta json.RawMessage) { joins <- key })
	ch.OnPresenceLeave(func(key string, meta json.RawMessage) { leaves <- key })
	require.NoError(t, ch.Subscribe(ctx))

	select {
	case key := <-joins:
		require.Equal(t, "user-2", key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence join")
	}
	select {
	case key := <-leaves:
		require.Equal(t, "user-1", key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence leave")
	}

	presence := ch.Presence()
	require.Len(t, presence, 1)
	require.Contains(t, presence, "user-2")
}

func TestSlowChannelDoesNotBlockOtherChannels(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Event != eventPhxJoin {
			return
		}
		writeReply(conn, env, `{"status":"ok","response":{}}`)
		select {
		case conns <- conn:
		default:
		}
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	gate := make(chan struct{})
	slowEntered := make(chan struct{}, 1)
	fastDone := make(chan struct{}, 1)

	slow := c.Channel("realtime:public:slow")
	slow.OnBroadcast("ping", func(BroadcastPayload) {
		slowEntered <- struct{}{}
		<-gate
	})
	fast := c.Channel("realtime:public:fast")
	fast.OnBroadcast("ping", func(BroadcastPayload) {
		fastDone <- struct{}{}
	})
	require.NoError(t, slow.Subscribe(ctx))
	require.NoError(t, fast.Subscribe(ctx))

	conn := <-conns
	for _, topic := range []string{"realtime:public:slow", "realtime:public:fast"} {
		frame := envelope{
			Topic: topic, Event: eventBroadcast,
			Payload: json.RawMessage(`{"event":"ping","payload":{}}`),
		}
		data, _ := json.Marshal(frame)
		conn.WriteMessage(websocket.TextMessage, data)
	}

	<-slowEntered
	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast channel blocked behind slow channel's listener")
	}
	close(gate)
}

func TestSetAuthBroadcastsAccessTokenToJoinedChannels(t *testing.T) {
	tokens := make(chan string, 1)
	srv := newTestServer(t, func(conn *websocket.Conn, env envelope) {
		switch env.Event {
		case eventPhxJoin:
			writeReply(conn, env, `{"status":"ok","response":{}}`)
		case eventAccessToken:
			var p struct {
				AccessToken string `json:"access_token"`
			}
			json.Unmarshal(env.Payload, &p)
			tokens <- p.AccessToken
		}
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	ch := c.Channel("realtime:public:todos")
	require.NoError(t, ch.Subscribe(ctx))

	c.SetAuth("new-jwt")
	select {
	case tok := <-tokens:
		require.Equal(t, "new-jwt", tok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for access_token frame")
	}
}
