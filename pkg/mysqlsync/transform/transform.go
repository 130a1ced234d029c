// Package transform implements the Transformer Stage (§4.D): looking
// up the per-table transformer, caching the result (including the
// "no transformer" outcome), and invoking it on the outbound and
// inbound paths. Per the design notes in §9, plug-in code is loaded
// with the standard library's plugin package rather than any
// third-party loader — no dynamic-plugin library appears anywhere in
// the retrieved pack or is a better fit than the one the language
// ships for exactly this (dlopen-backed .so) use case.
package transform

import (
	"context"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
)

// Querier exposes the local-database read access a transformer's
// Context may use (§4.D: "a query facility to the local database").
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) ([]model.Row, error)
}

// Publisher exposes the rarely-used side-channel bus access a
// transformer's Context may use (§4.D: "the bus handle").
type Publisher interface {
	Publish(topic string, payload interface{}, remotePeer string) error
}

// Context is passed to every transformer invocation.
type Context struct {
	Entity model.Row
	Source string
	Target string
	DB     Querier
	Bus    Publisher
}

// Func is a transformer: a pure function from the untransformed
// entity to its replacement, or nil. A nil result is passed on as a
// nil entity, which the rest of the pipeline treats as a delete.
// "Pure asynchronous function" in spec terms becomes a plain Go
// function taking a context.Context for cancellation, since Go has
// no separate async/sync function color.
type Func func(ctx context.Context, tctx *Context) (model.Row, error)

// symbolName is the exported plugin symbol every transformer .so must
// provide: a value of type Func named "Transform".
const symbolName = "Transform"

// Stage resolves and caches the transformer for each table.
type Stage struct {
	dir   string
	log   logging.Logger
	mutex sync.Mutex
	cache map[string]Func // nil value cached as present-but-nil
	seen  map[string]bool
}

// New creates a Stage rooted at dir. An empty dir means no
// transformers are ever found, equivalent to every table being
// untransformed.
func New(dir string, log logging.Logger) *Stage {
	return &Stage{
		dir:   dir,
		log:   log.With(logging.Fields{"component": "transform"}),
		cache: make(map[string]Func),
		seen:  make(map[string]bool),
	}
}

// Lookup returns the transformer for table, or nil if none exists.
// The absence of a transformer is itself cached (§3 "Transformer
// cache"): a table is probed on disk at most once per process.
func (s *Stage) Lookup(table string) (Func, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.seen[table] {
		return s.cache[table], nil
	}

	fn, err := s.load(table)
	if err != nil {
		return nil, err
	}
	s.cache[table] = fn
	s.seen[table] = true
	return fn, nil
}

func (s *Stage) load(table string) (Func, error) {
	if s.dir == "" {
		return nil, nil
	}
	path := filepath.Join(s.dir, camelCase(table)+".so")
	p, err := plugin.Open(path)
	if err != nil {
		s.log.Debugf("no transformer for table %s: %v", table, err)
		return nil, nil
	}
	sym, err := p.Lookup(symbolName)
	if err != nil {
		return nil, errors.Wrapf(err, "transform: plugin %s missing %s symbol", path, symbolName)
	}
	fn, ok := sym.(Func)
	if !ok {
		fnPtr, ok2 := sym.(*Func)
		if !ok2 {
			return nil, errors.Errorf("transform: plugin %s symbol %s has unexpected type %T", path, symbolName, sym)
		}
		fn = *fnPtr
	}
	return fn, nil
}

// camelCase converts a snake_case/kebab-case table name into
// camelCase, e.g. "user_accounts" -> "userAccounts".
func camelCase(table string) string {
	parts := strings.FieldsFunc(table, func(r rune) bool {
		return r == '_' || r == '-'
	})
	if len(parts) == 0 {
		return table
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(parts[0]))
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(strings.ToLower(p[1:]))
	}
	return b.String()
}

// Outbound applies the transformer for table, if any, with
// (source=self, target=peer), transforming entity for a single peer.
// On "local-change" (§4.D), this is invoked once per configured peer.
func (s *Stage) Outbound(ctx context.Context, table, self, peer string, entity model.Row, db Querier, bus Publisher) (model.Row, error) {
	fn, err := s.Lookup(table)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return entity, nil
	}
	out, err := fn(ctx, &Context{Entity: entity, Source: self, Target: peer, DB: db, Bus: bus})
	if err != nil {
		return nil, errors.Wrapf(err, "transform: outbound %s->%s for table %s", self, peer, table)
	}
	return out, nil
}

// Inbound applies the transformer for table, if any, with
// (source=sender, target=self), on the "remote-change" path (§4.D).
func (s *Stage) Inbound(ctx context.Context, table, sender, self string, entity model.Row, db Querier, bus Publisher) (model.Row, error) {
	fn, err := s.Lookup(table)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return entity, nil
	}
	out, err := fn(ctx, &Context{Entity: entity, Source: sender, Target: self, DB: db, Bus: bus})
	if err != nil {
		return nil, errors.Wrapf(err, "transform: inbound %s->%s for table %s", sender, self, table)
	}
	return out, nil
}
