package postgrest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jsupabase/jsupabase-sub001/errs"
	"github.com/jsupabase/jsupabase-sub001/transport"
)

const (
	methodGet    = http.MethodGet
	methodPost   = http.MethodPost
	methodPatch  = http.MethodPatch
	methodDelete = http.MethodDelete
)

// CountMode selects how the server reports the total row count.
type CountMode string

const (
	CountNone      CountMode = ""
	CountExact     CountMode = "exact"
	CountPlanned   CountMode = "planned"
	CountEstimated CountMode = "estimated"
)

// Cardinality constrains how many rows a query is expected to return.
type Cardinality int

const (
	Many Cardinality = iota
	Single
	MaybeSingle
)

// ExplainOptions configures the vnd.pgrst.plan accept variant.
type ExplainOptions struct {
	Analyze  bool
	Verbose  bool
	Settings bool
	Buffers  bool
	WAL      bool
	Format   string // "json" (default) or "text"
}

// Query accumulates one PostgREST request. Every terminal method
// (Execute, ExecuteWithCount) consumes the accumulated state exactly
// once; the builder itself is a concrete type (not generic) per the
// corpus's preference for explicit returns over F-bounded chaining.
type Query struct {
	tr    *transport.Transport
	table string

	method      string
	selectCols  string
	filters     []filterTerm
	compound    []string // raw or=(...)/and=(...) expressions, in call order
	orders      []string
	rangeFrom   int
	rangeTo     int
	rangeSet    bool
	cardinality Cardinality
	countMode   CountMode
	returning   bool
	csv         bool
	explain     *ExplainOptions
	onConflict  string
	resolution  string
	missingDefault bool
	body        interface{}

	isRPC  bool
	rpcGet bool
}

func newQuery(tr *transport.Transport, table string) *Query {
	return &Query{tr: tr, table: table, method: methodGet}
}

// --- column selection -------------------------------------------------

// Select specifies which columns (and embedded resources, e.g.
// "a,b,fk(c,d)") to return.
func (q *Query) Select(columns string) *Query {
	q.selectCols = columns
	return q
}

// --- filters ------------------------------------------------------------

func (q *Query) add(column string, o op, value interface{}) *Query {
	q.filters = append(q.filters, filterTerm{column: column, op: o, value: value})
	return q
}

func (q *Query) Eq(column string, value interface{}) *Query    { return q.add(column, opEq, value) }
func (q *Query) Neq(column string, value interface{}) *Query   { return q.add(column, opNeq, value) }
func (q *Query) Gt(column string, value interface{}) *Query    { return q.add(column, opGt, value) }
func (q *Query) Gte(column string, value interface{}) *Query   { return q.add(column, opGte, value) }
func (q *Query) Lt(column string, value interface{}) *Query    { return q.add(column, opLt, value) }
func (q *Query) Lte(column string, value interface{}) *Query   { return q.add(column, opLte, value) }
func (q *Query) Overlaps(column string, value interface{}) *Query {
	return q.add(column, opOv, value)
}
func (q *Query) Contains(column string, value interface{}) *Query {
	return q.add(column, opCs, value)
}
func (q *Query) ContainedBy(column string, value interface{}) *Query {
	return q.add(column, opCd, value)
}
func (q *Query) RangeLt(column string, value interface{}) *Query  { return q.add(column, opSl, value) }
func (q *Query) RangeGt(column string, value interface{}) *Query  { return q.add(column, opSr, value) }
func (q *Query) RangeLte(column string, value interface{}) *Query { return q.add(column, opNxl, value) }
func (q *Query) RangeGte(column string, value interface{}) *Query { return q.add(column, opNxr, value) }
func (q *Query) RangeAdjacent(column string, value interface{}) *Query {
	return q.add(column, opAdj, value)
}

// Like adds a LIKE filter. If glob is true, "*" in pattern is translated
// to PostgREST's "%" wildcard.
func (q *Query) Like(column, pattern string, glob bool) *Query {
	if glob {
		pattern = strings.ReplaceAll(pattern, "*", "%")
	}
	return q.add(column, opLike, pattern)
}

// ILike is the case-insensitive counterpart of Like.
func (q *Query) ILike(column, pattern string, glob bool) *Query {
	if glob {
		pattern = strings.ReplaceAll(pattern, "*", "%")
	}
	return q.add(column, opIlike, pattern)
}

// Is filters on IS NULL / IS TRUE / IS FALSE / IS UNKNOWN. value must be
// one of nil, true, false, or "unknown".
func (q *Query) Is(column string, value interface{}) *Query {
	return q.add(column, opIs, isValue(value))
}

func isValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return val
	default:
		return fmt.Sprint(v)
	}
}

// In adds an IN filter over values.
func (q *Query) In(column string, values []interface{}) *Query {
	q.filters = append(q.filters, filterTerm{column: column, op: opIn, value: values})
	return q
}

// TextSearchType selects which full-text-search operator TextSearch uses.
type TextSearchType string

const (
	TSPlain  TextSearchType = "plain"
	TSPhrase TextSearchType = "phrase"
	TSWeb    TextSearchType = "web"
	TSRaw    TextSearchType = "raw"
)

// TextSearch adds a full-text-search filter of the given type.
func (q *Query) TextSearch(column, query string, kind TextSearchType, config string) *Query {
	o := opFts
	switch kind {
	case TSPlain:
		o = opPlfts
	case TSPhrase:
		o = opPhfts
	case TSWeb:
		o = opWfts
	}
	val := query
	if config != "" {
		val = "(" + config + ")." + query
	}
	return q.add(column, o, val)
}

// Match adds one Eq filter per key/value pair. Order is not guaranteed
// across map iterations, matching PostgREST's treatment of filters as an
// unordered conjunction.
func (q *Query) Match(values map[string]interface{}) *Query {
	for k, v := range values {
		q.Eq(k, v)
	}
	return q
}

// Not negates a single filter leaf: column <op> value becomes
// column=not.<op>.value.
func (q *Query) Not(column string, operator string, value interface{}) *Query {
	q.filters = append(q.filters, filterTerm{column: column, op: op(operator), value: value, negate: true})
	return q
}

// Filter adds a filter with an explicit operator token, for operators
// without a dedicated method.
func (q *Query) Filter(column, operator string, value interface{}) *Query {
	return q.add(column, op(operator), value)
}

// ForeignFilter adds a filter scoped to an embedded (foreign) table
// selected via Select, rendered as "<table>.<column>=<op>.<value>".
func (q *Query) ForeignFilter(foreignTable, column, operator string, value interface{}) *Query {
	q.filters = append(q.filters, filterTerm{column: column, op: op(operator), value: value, foreignTable: foreignTable})
	return q
}

// Or adds a parenthesized compound OR expression, e.g.
// "id.eq.1,name.eq.foo". Nesting (another Or/And expression as a
// sub-term) is the caller's responsibility via raw expr syntax.
func (q *Query) Or(expr string) *Query {
	q.compound = append(q.compound, "or=("+expr+")")
	return q
}

// And adds a parenthesized compound AND expression.
func (q *Query) And(expr string) *Query {
	q.compound = append(q.compound, "and=("+expr+")")
	return q
}

// --- ordering & pagination ---------------------------------------------

// NullsOrder selects where NULLs sort relative to non-null values.
// NullsUnspecified omits the nulls qualifier and defers to the server's
// default placement.
type NullsOrder int

const (
	NullsUnspecified NullsOrder = iota
	NullsFirst
	NullsLast
)

func (q *Query) Order(column string, ascending bool, nulls NullsOrder) *Query {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	term := column + "." + dir
	switch nulls {
	case NullsFirst:
		term += ".nullsfirst"
	case NullsLast:
		term += ".nullslast"
	}
	q.orders = append(q.orders, term)
	return q
}

// Limit sets the page size via a Range header starting at offset 0
// unless Offset has already been called.
func (q *Query) Limit(n int) *Query {
	q.rangeSet = true
	q.rangeTo = q.rangeFrom + n - 1
	return q
}

// Offset sets the starting row of the page.
func (q *Query) Offset(n int) *Query {
	shift := n - q.rangeFrom
	q.rangeFrom = n
	q.rangeTo += shift
	q.rangeSet = true
	return q
}

// Range sets the inclusive [from, to] row range directly.
func (q *Query) Range(from, to int) *Query {
	q.rangeFrom = from
	q.rangeTo = to
	q.rangeSet = true
	return q
}

// --- representation / cardinality / format ------------------------------

// Single requires exactly one row; zero or multiple rows surface as an
// HttpError with status 406.
func (q *Query) Single() *Query {
	q.cardinality = Single
	return q
}

// MaybeSingle tolerates zero rows (Execute decodes into the zero value /
// leaves dest untouched) but still errors on more than one row.
func (q *Query) MaybeSingle() *Query {
	q.cardinality = MaybeSingle
	return q
}

// CSV requests text/csv and returns the raw body via ExecuteRaw.
func (q *Query) CSV() *Query {
	q.csv = true
	return q
}

// Explain requests a query plan instead of row data.
func (q *Query) Explain(opts ExplainOptions) *Query {
	q.explain = &opts
	return q
}

// Count selects the row-count mode reported via Content-Range.
func (q *Query) Count(mode CountMode) *Query {
	q.countMode = mode
	return q
}

// ReturningRepresentation requests the server return affected rows for a
// mutation (the default is return=minimal).
func (q *Query) ReturningRepresentation() *Query {
	q.returning = true
	return q
}

// OnConflict sets the column(s) used to detect conflicts for upsert.
func (q *Query) OnConflict(column string) *Query {
	q.onConflict = column
	return q
}

// Upsert marks the insert as an upsert with
// resolution=merge-duplicates; call IgnoreDuplicates instead to select
// resolution=ignore-duplicates.
func (q *Query) Upsert() *Query {
	q.resolution = "merge-duplicates"
	q.returning = true
	return q
}

// IgnoreDuplicates switches upsert conflict resolution to
// resolution=ignore-duplicates.
func (q *Query) IgnoreDuplicates() *Query {
	q.resolution = "ignore-duplicates"
	q.returning = true
	return q
}

// DefaultToUndefined makes missing keys in a bulk insert take their
// column default (Prefer: missing=default) instead of NULL, which is
// the server's baseline behavior.
func (q *Query) DefaultToUndefined() *Query {
	q.missingDefault = true
	return q
}

// Head marks an RPC call to be invoked with get=true, per the PostgREST
// convention for read-only stored procedures.
func (q *Query) Head() *Query {
	q.rpcGet = true
	return q
}

// --- mutations -----------------------------------------------------------

// Insert stages a POST with data as the JSON body.
func (q *Query) Insert(data interface{}) *Query {
	q.method = methodPost
	q.body = data
	return q
}

// Update stages a PATCH with data as the JSON body. Requires at least
// one filter.
func (q *Query) Update(data interface{}) *Query {
	q.method = methodPatch
	q.body = data
	return q
}

// Delete stages a DELETE. Requires at least one filter.
func (q *Query) Delete() *Query {
	q.method = methodDelete
	return q
}

// --- URL / header assembly ----------------------------------------------

func (q *Query) buildPath() string {
	return q.tr.Config().RestPath() + "/" + q.table
}

func (q *Query) buildQuery() string {
	var params []string
	if q.selectCols != "" {
		params = append(params, "select="+strings.ReplaceAll(q.selectCols, ",", "%2C"))
	}
	for _, f := range q.filters {
		params = append(params, f.wire())
	}
	params = append(params, q.compound...)
	if q.onConflict != "" {
		params = append(params, "on_conflict="+q.onConflict)
	}
	if len(q.orders) > 0 {
		params = append(params, "order="+strings.Join(q.orders, ","))
	}
	if q.isRPC && q.rpcGet {
		params = append(params, "get=true")
	}
	if q.explain != nil {
		if q.explain.Analyze {
			params = append(params, "analyze=true")
		}
		if q.explain.Verbose {
			params = append(params, "verbose=true")
		}
		if q.explain.Settings {
			params = append(params, "settings=true")
		}
		if q.explain.Buffers {
			params = append(params, "buffers=true")
		}
		if q.explain.WAL {
			params = append(params, "wal=true")
		}
	}
	return strings.Join(params, "&")
}

func (q *Query) preferHeader() string {
	var prefs []string
	if q.resolution != "" {
		prefs = append(prefs, "resolution="+q.resolution)
	}
	switch q.method {
	case methodPost, methodPatch:
		if q.returning {
			prefs = append(prefs, "return=representation")
		} else {
			prefs = append(prefs, "return=minimal")
		}
	}
	if q.countMode != CountNone {
		prefs = append(prefs, "count="+string(q.countMode))
	}
	if q.missingDefault {
		prefs = append(prefs, "missing=default")
	}
	return strings.Join(prefs, ",")
}

func (q *Query) acceptHeader() string {
	switch {
	case q.explain != nil:
		if q.explain.Format == "text" {
			return "application/vnd.pgrst.plan+text"
		}
		return "application/vnd.pgrst.plan+json"
	case q.csv:
		return "text/csv"
	case q.cardinality == Single || q.cardinality == MaybeSingle:
		return "application/vnd.pgrst.object+json"
	default:
		return ""
	}
}

func (q *Query) buildRequest() (*transport.Request, error) {
	req := q.tr.NewRequest(q.method, q.buildPath())

	if qs := q.buildQuery(); qs != "" {
		req = req.Query(qs)
	}

	schema := q.tr.Config().Schema()
	if q.method == methodGet || q.method == http.MethodHead {
		req = req.Header("Accept-Profile", schema)
	} else {
		req = req.Header("Content-Profile", schema)
	}

	if prefer := q.preferHeader(); prefer != "" {
		req = req.Header("Prefer", prefer)
	}
	if accept := q.acceptHeader(); accept != "" {
		req = req.Header("Accept", accept)
	}
	if q.rangeSet {
		req = req.Header("Range-Unit", "items").
			Header("Range", fmt.Sprintf("%d-%d", q.rangeFrom, q.rangeTo))
	}

	if q.method == methodPost || q.method == methodPatch {
		var err error
		req, err = req.JSONBody(q.body)
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

// --- execution ------------------------------------------------------------

// Execute runs the accumulated query and decodes the JSON response into
// dest. For Single cardinality a zero- or multi-row response surfaces as
// an HttpError(406). For MaybeSingle a zero-row response leaves dest
// untouched and returns nil.
func (q *Query) Execute(ctx context.Context, dest interface{}) error {
	if (q.method == methodPatch || q.method == methodDelete) && len(q.filters) == 0 && len(q.compound) == 0 {
		return &errs.ConfigError{Reason: "update/delete requires at least one filter"}
	}

	req, err := q.buildRequest()
	if err != nil {
		return err
	}

	if q.csv || q.explain != nil {
		return &errs.ConfigError{Reason: "use ExecuteRaw for csv()/explain() queries"}
	}

	err = req.Send(ctx, dest)
	if err != nil && q.cardinality == MaybeSingle {
		if httpErr, ok := err.(*errs.HttpError); ok && httpErr.Status == 406 {
			return nil
		}
	}
	return err
}

// ExecuteRaw runs the accumulated query and returns the raw response
// body, for csv()/explain() queries.
func (q *Query) ExecuteRaw(ctx context.Context) ([]byte, error) {
	req, err := q.buildRequest()
	if err != nil {
		return nil, err
	}
	body, _, err := req.SendRaw(ctx)
	return body, err
}

// ExecuteWithCount runs the query, decodes rows into dest, and returns
// the total row count reported in the Content-Range response header
// (requires Count to have been set).
func (q *Query) ExecuteWithCount(ctx context.Context, dest interface{}) (int64, error) {
	req, err := q.buildRequest()
	if err != nil {
		return 0, err
	}
	body, header, err := req.SendRaw(ctx)
	if err != nil {
		return 0, err
	}
	if dest != nil && len(body) > 0 {
		if err := decodeJSON(body, dest); err != nil {
			return 0, err
		}
	}
	return parseContentRange(header.Get("Content-Range")), nil
}

func parseContentRange(v string) int64 {
	idx := strings.LastIndex(v, "/")
	if idx < 0 || idx == len(v)-1 {
		return -1
	}
	total := v[idx+1:]
	if total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
