package router

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/model"
)

type entry struct {
	route    *model.Route
	segs     []segment
	shape    string
	literals int
	order    int // registration index
}

// before orders candidates: priority desc, literal segments desc, then
// registration order. The first matching entry in this order wins.
func (e *entry) before(o *entry) bool {
	if e.route.Priority != o.route.Priority {
		return e.route.Priority > o.route.Priority
	}
	if e.literals != o.literals {
		return e.literals > o.literals
	}
	return e.order < o.order
}

// Table is an immutable route table. Build a new one to change routes.
type Table struct {
	entries  []*entry
	byMethod map[string][]*entry // method -> routes accepting it (incl. any-method), sorted
	any      []*entry            // routes with an empty method set, sorted
	byName   map[string]*model.Route
}

// Match is a successful route resolution.
type Match struct {
	Route  *model.Route
	Params map[string]string
}

// Load validates routes and builds a Table. On any problem no table is
// returned, so a caller holding the previous table keeps serving it.
func Load(routes []model.Route) (*Table, error) {
	var errs *multierror.Error
	t := &Table{
		byMethod: make(map[string][]*entry),
		byName:   make(map[string]*model.Route, len(routes)),
	}
	type dupKey struct {
		shape    string
		priority int
	}
	seen := make(map[dupKey][]*entry)

	for i := range routes {
		r := routes[i] // copy; the table owns its routes
		segs, err := parseTemplate(r.Template)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("routes[%d] %q: %w", i, r.Name, err))
			continue
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("route-%d", i)
		}
		if _, dup := t.byName[r.Name]; dup {
			errs = multierror.Append(errs, fmt.Errorf("routes[%d]: duplicate name %q", i, r.Name))
			continue
		}
		e := &entry{route: &r, segs: segs, shape: shape(segs), literals: literalCount(segs), order: i}

		k := dupKey{shape: e.shape, priority: r.Priority}
		for _, o := range seen[k] {
			if methodsOverlap(e.route, o.route) {
				errs = multierror.Append(errs, fmt.Errorf(
					"routes[%d] %q: ambiguous with %q (same template shape %s, priority %d and overlapping methods)",
					i, r.Name, o.route.Name, e.shape, r.Priority))
			}
		}
		seen[k] = append(seen[k], e)
		t.entries = append(t.entries, e)
		t.byName[r.Name] = e.route
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, gwerr.Config(err)
	}

	for _, e := range t.entries {
		if e.route.Methods == nil || e.route.Methods.Cardinality() == 0 {
			t.any = append(t.any, e)
		}
	}
	for _, e := range t.entries {
		if e.route.Methods == nil {
			continue
		}
		for _, m := range e.route.Methods.ToSlice() {
			if _, ok := t.byMethod[m]; !ok {
				t.byMethod[m] = append([]*entry(nil), t.any...)
			}
			t.byMethod[m] = append(t.byMethod[m], e)
		}
	}
	sortEntries(t.any)
	for m := range t.byMethod {
		sortEntries(t.byMethod[m])
	}
	return t, nil
}

func sortEntries(es []*entry) {
	sort.SliceStable(es, func(i, j int) bool { return es[i].before(es[j]) })
}

func methodsOverlap(a, b *model.Route) bool {
	if a.Methods == nil || a.Methods.Cardinality() == 0 || b.Methods == nil || b.Methods.Cardinality() == 0 {
		return true
	}
	return a.Methods.Intersect(b.Methods).Cardinality() > 0
}

func (t *Table) candidates(method string) []*entry {
	if es, ok := t.byMethod[method]; ok {
		return es
	}
	return t.any
}

// Match resolves method+path to the best route, or gwerr.ErrNotFound.
func (t *Table) Match(method, path string) (*Match, error) {
	parts := splitPath(path)
	for _, e := range t.candidates(strings.ToUpper(method)) {
		if params, ok := matchSegments(e.segs, parts); ok {
			return &Match{Route: e.route, Params: params}, nil
		}
	}
	return nil, gwerr.New(gwerr.KindNotFound, "match", fmt.Errorf("%s %s", method, path))
}

// Lookup returns the route registered with exactly this template (parameter
// names included) that accepts method. With several priorities for the same
// template, the highest priority is returned.
func (t *Table) Lookup(method, template string) (*model.Route, bool) {
	for _, e := range t.candidates(strings.ToUpper(method)) {
		if e.route.Template == template {
			return e.route, true
		}
	}
	return nil, false
}

// Routes returns routes in registration order.
func (t *Table) Routes() []*model.Route {
	out := make([]*model.Route, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.route
	}
	return out
}

// Len is the number of routes.
func (t *Table) Len() int { return len(t.entries) }

// Holder publishes the active Table. Readers never block on a swap and
// never see a partially built table.
type Holder struct {
	p atomic.Pointer[Table]
}

func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.p.Store(t)
	return h
}

// Load returns the active table.
func (h *Holder) Load() *Table { return h.p.Load() }

// Swap installs t and returns the previous table.
func (h *Holder) Swap(t *Table) *Table {
	if t == nil {
		return h.p.Load()
	}
	return h.p.Swap(t)
}
