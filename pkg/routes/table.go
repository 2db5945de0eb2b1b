package routes

import (
	"fmt"
	"time"

	"github.com/morezero/action-gateway/pkg/commsutil"
)

const tableLogPrefix = "routes:table"

// Table provides fast route lookups by action type. It is read-only after
// construction and safe for concurrent use.
type Table struct {
	name        string
	version     string
	prefix      string
	defaultMode Mode
	routes      map[string]Route
	aliases     map[string]string
}

// NewTable validates cfg and builds a Table from it.
func NewTable(cfg *RoutesConfig) (*Table, error) {
	t := &Table{
		name:        cfg.Name,
		version:     cfg.Version,
		prefix:      cfg.SubjectPrefix,
		defaultMode: cfg.DefaultMode,
		routes:      make(map[string]Route, len(cfg.Routes)),
		aliases:     make(map[string]string, len(cfg.Aliases)),
	}
	if t.prefix == "" {
		t.prefix = commsutil.SubjectActionPrefix
	}
	if t.defaultMode == "" {
		t.defaultMode = ModePublish
	}
	if !t.defaultMode.valid() {
		return nil, fmt.Errorf("%s - invalid default mode %q", tableLogPrefix, t.defaultMode)
	}

	for actionType, r := range cfg.Routes {
		if r.Subject == "" {
			return nil, fmt.Errorf("%s - route %q has no subject", tableLogPrefix, actionType)
		}
		if r.Mode == "" {
			r.Mode = t.defaultMode
		}
		if !r.Mode.valid() {
			return nil, fmt.Errorf("%s - route %q: invalid mode %q", tableLogPrefix, actionType, r.Mode)
		}
		if r.TimeoutMs < 0 {
			return nil, fmt.Errorf("%s - route %q: negative timeout", tableLogPrefix, actionType)
		}
		t.routes[actionType] = r
	}

	for alias, target := range cfg.Aliases {
		if _, ok := t.routes[target]; !ok {
			return nil, fmt.Errorf("%s - alias %q targets unknown route %q", tableLogPrefix, alias, target)
		}
		t.aliases[alias] = target
	}
	return t, nil
}

func (m Mode) valid() bool {
	return m == ModePublish || m == ModeRequest
}

// Lookup returns the route for actionType. Types without an entry (direct or
// through an alias) are published on <prefix>.<type>.
func (t *Table) Lookup(actionType string) Route {
	if r, ok := t.routes[actionType]; ok {
		return r
	}
	if target, ok := t.aliases[actionType]; ok {
		return t.routes[target]
	}
	return Route{
		Subject: t.prefix + "." + commsutil.SanitizeToken(actionType),
		Mode:    t.defaultMode,
	}
}

// Timeout returns the route timeout, or fallback when the route sets none.
func (r Route) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutMs > 0 {
		return time.Duration(r.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// Len returns the number of explicit routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Name returns the routes config name.
func (t *Table) Name() string {
	return t.name
}

// Version returns the routes config version.
func (t *Table) Version() string {
	return t.version
}
