package importer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// maxSuffix bounds the collision search.
const maxSuffix = 10000

// registry hands out destination identifiers and names. A claim holds its
// identifier until released, so concurrent imports whose transactions have
// not committed yet never pick the same one.
type registry struct {
	mu   sync.Mutex
	held map[string]bool
}

var names = &registry{held: make(map[string]bool)}

// claim is a reserved identifier and display name.
type claim struct {
	Identifier string
	Name       string
	release    func()
}

// Release frees the reservation. Once the import has committed, the
// deliverable row itself keeps the identifier taken.
func (c *claim) Release() {
	if c != nil && c.release != nil {
		c.release()
		c.release = nil
	}
}

// candidate returns base with collision suffix n, truncated so the result
// plus the longest provisioned table suffix fits max.
func candidate(base string, n, max int) string {
	suffix := ""
	if n > 0 {
		suffix = "_" + strconv.Itoa(n)
	}
	if len(base)+len(suffix) > max {
		base = strings.TrimRight(base[:max-len(suffix)], "_")
	}
	return base + suffix
}

// nameCandidate returns name with collision suffix n.
func nameCandidate(name string, n int) string {
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s (%d)", name, n)
}

// claim reserves the first free identifier derived from identifier and the
// first free display name derived from name.
func (g *registry) claim(ctx context.Context, ex db.Execer, identifier, name string) (*claim, error) {
	max := ex.Dialect().MaxIdentifierLength() - model.LongestTableSuffix
	if err := model.ValidateIdentifier(identifier); err != nil {
		identifier = model.NormalizeIdentifier(identifier)
	}
	if name == "" {
		name = identifier
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var ident string
	for n := 0; ; n++ {
		if n > maxSuffix {
			return nil, fmt.Errorf("no free identifier derived from %q", identifier)
		}
		c := candidate(identifier, n, max)
		if g.held["id:"+c] {
			continue
		}
		taken, err := db.IdentifierTaken(ctx, ex, c)
		if err != nil {
			return nil, err
		}
		if !taken {
			ident = c
			break
		}
	}

	var display string
	for n := 0; ; n++ {
		if n > maxSuffix {
			return nil, fmt.Errorf("no free name derived from %q", name)
		}
		c := nameCandidate(name, n)
		if g.held["name:"+c] {
			continue
		}
		taken, err := db.NameTaken(ctx, ex, c)
		if err != nil {
			return nil, err
		}
		if !taken {
			display = c
			break
		}
	}

	g.held["id:"+ident] = true
	g.held["name:"+display] = true
	return &claim{
		Identifier: ident,
		Name:       display,
		release: func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.held, "id:"+ident)
			delete(g.held, "name:"+display)
		},
	}, nil
}
