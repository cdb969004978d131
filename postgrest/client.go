// Package postgrest implements the fluent, type-safe query composition
// model that serializes filter expressions, ordering, pagination,
// row-count modes, representation preferences, and stored-procedure
// invocation into an HTTP verb + URL + headers + body.
package postgrest

import (
	"github.com/jsupabase/jsupabase-sub001/transport"
)

// Client is the PostgREST façade: the entry point for table queries and
// RPC invocation. A Client is cheap to construct and holds only a
// Transport snapshot, matching the Gateway's atomic-swap model.
type Client struct {
	tr *transport.Transport
}

// New builds a postgrest Client over tr.
func New(tr *transport.Transport) *Client {
	return &Client{tr: tr}
}

// From starts a query against table.
func (c *Client) From(table string) *Query {
	return newQuery(c.tr, table)
}

// Rpc invokes the stored procedure fn with args as its JSON argument
// object.
func (c *Client) Rpc(fn string, args map[string]interface{}) *Query {
	q := newQuery(c.tr, "rpc/"+fn)
	q.method = methodPost
	q.isRPC = true
	q.body = args
	if args == nil {
		q.body = map[string]interface{}{}
	}
	return q
}
