// Package supabase is the top-level client façade: it wires Config,
// Auth, the PostgREST query engine, Storage, and Realtime together
// behind one Gateway, keeping the PostgREST/Storage credential in sync
// with the current auth session.
package supabase

import (
	"context"
	"sync/atomic"

	"github.com/jsupabase/jsupabase-sub001/auth"
	"github.com/jsupabase/jsupabase-sub001/config"
	"github.com/jsupabase/jsupabase-sub001/postgrest"
	"github.com/jsupabase/jsupabase-sub001/realtime"
	"github.com/jsupabase/jsupabase-sub001/storage"
	"github.com/jsupabase/jsupabase-sub001/transport"
)

// Gateway is the project-level entry point. Auth is long-lived and
// stable; the PostgREST and Storage clients are atomically swapped for
// freshly-credentialed instances whenever the session changes, so a
// caller holding a *postgrest.Client or *storage.Client across a sign-in
// simply keeps using the one it already has — new callers pick up the
// refreshed credential via Database()/Storage().
type Gateway struct {
	cfg  *config.Config
	auth *auth.Auth
	rt   *realtime.Client

	db  atomic.Pointer[postgrest.Client]
	stg atomic.Pointer[storage.Client]
}

// New builds a Gateway from cfg, wiring the auth module to atomically
// refresh the PostgREST and Storage clients whenever the session changes.
func New(cfg *config.Config) *Gateway {
	g := &Gateway{
		cfg:  cfg,
		auth: auth.New(transport.New(cfg)),
		rt:   realtime.New(cfg),
	}
	g.db.Store(postgrest.New(transport.New(cfg)))
	g.stg.Store(storage.New(transport.New(cfg)))

	g.auth.OnAuthStateChange(g.onAuthStateChange)
	return g
}

func (g *Gateway) onAuthStateChange(event auth.Event, session *auth.Session) {
	switch event {
	case auth.SignedIn, auth.TokenRefreshed:
		if session == nil {
			return
		}
		authed := g.cfg.WithAuthorization(session.AccessToken)
		g.db.Store(postgrest.New(transport.New(authed)))
		g.stg.Store(storage.New(transport.New(authed)))
		g.rt.SetAuth(session.AccessToken)
	case auth.SignedOut:
		g.db.Store(postgrest.New(transport.New(g.cfg)))
		g.stg.Store(storage.New(transport.New(g.cfg)))
		g.rt.SetAuth(g.cfg.APIKey())
	}
}

// Auth returns the authentication module.
func (g *Gateway) Auth() *auth.Auth { return g.auth }

// Database returns the PostgREST client currently credentialed for the
// active session.
func (g *Gateway) Database() *postgrest.Client { return g.db.Load() }

// Storage returns the Storage client currently credentialed for the
// active session.
func (g *Gateway) Storage() *storage.Client { return g.stg.Load() }

// Realtime returns the realtime channel manager. Connect must be called
// before subscribing to channels.
func (g *Gateway) Realtime() *realtime.Client { return g.rt }

// Connect dials the realtime websocket.
func (g *Gateway) Connect(ctx context.Context) error {
	return g.rt.Connect(ctx)
}

// Close tears down the realtime connection.
func (g *Gateway) Close() error {
	return g.rt.Disconnect()
}
