// Package refdiff compares the ref maps of two remotes and plans the ref
// updates and object wants needed to bring the target in line with the source.
package refdiff

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/schaermu/fush/internal/gitproto"
)

// DefaultPatterns are synchronized when no patterns are configured.
var DefaultPatterns = []string{"refs/heads/*", "refs/tags/*"}

// Refs maps full ref names to object ids.
type Refs map[string]plumbing.Hash

// Options controls which refs are synchronized.
type Options struct {
	// Patterns selects refs by name. See Matcher.
	Patterns []string
	// Prune deletes target refs matching Patterns that the source lacks.
	Prune bool
}

// Plan is the outcome of a ref comparison.
type Plan struct {
	// Commands holds one update per out-of-sync ref, sorted by name.
	Commands []gitproto.RefUpdateCommand
	// Wants holds the distinct new oids the source must send, sorted.
	Wants []plumbing.Hash
	// Haves holds every distinct oid the target advertises, sorted.
	Haves []plumbing.Hash
	// Unchanged lists refs that already agree, sorted.
	Unchanged []string
}

// Empty reports whether the plan requires no push at all.
func (p Plan) Empty() bool {
	return len(p.Commands) == 0
}

// RefNames returns the names of all commanded refs in order.
func (p Plan) RefNames() []string {
	names := make([]string, len(p.Commands))
	for i, c := range p.Commands {
		names[i] = c.Name
	}
	return names
}

// Deletes counts the delete commands in the plan.
func (p Plan) Deletes() int {
	n := 0
	for _, c := range p.Commands {
		if c.IsDelete() {
			n++
		}
	}
	return n
}

// Diff plans the updates that make target match source for the selected refs.
func Diff(source, target Refs, opts Options) (Plan, error) {
	m, err := NewMatcher(opts.Patterns)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	wants := make(map[plumbing.Hash]struct{})

	for name, newOid := range source {
		if !m.Match(name) || newOid.IsZero() {
			continue
		}
		oldOid, exists := target[name]
		if exists && oldOid == newOid {
			plan.Unchanged = append(plan.Unchanged, name)
			continue
		}
		if !exists {
			oldOid = plumbing.ZeroHash
		}
		plan.Commands = append(plan.Commands, gitproto.RefUpdateCommand{
			Old:  oldOid,
			New:  newOid,
			Name: name,
		})
		wants[newOid] = struct{}{}
	}

	if opts.Prune {
		for name, oldOid := range target {
			if !m.Match(name) {
				continue
			}
			if _, ok := source[name]; ok {
				continue
			}
			plan.Commands = append(plan.Commands, gitproto.RefUpdateCommand{
				Old:  oldOid,
				New:  plumbing.ZeroHash,
				Name: name,
			})
		}
	}

	haves := make(map[plumbing.Hash]struct{}, len(target))
	for _, oid := range target {
		if !oid.IsZero() {
			haves[oid] = struct{}{}
		}
	}

	sort.Slice(plan.Commands, func(i, j int) bool {
		return plan.Commands[i].Name < plan.Commands[j].Name
	})
	sort.Strings(plan.Unchanged)
	plan.Wants = sortedHashes(wants)
	plan.Haves = sortedHashes(haves)

	return plan, nil
}

func sortedHashes(set map[plumbing.Hash]struct{}) []plumbing.Hash {
	out := make([]plumbing.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Matcher selects ref names by glob pattern. Patterns use path.Match syntax,
// and a trailing "/**" matches any depth below the prefix. HEAD and peeled
// "^{}" entries never match.
type Matcher struct {
	patterns []string
}

// NewMatcher validates patterns and returns a Matcher. No patterns selects
// DefaultPatterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if !strings.HasPrefix(p, "refs/") {
			return nil, fmt.Errorf("ref pattern %q must start with refs/", p)
		}
		if _, err := path.Match(strings.TrimSuffix(p, "/**"), "refs/x"); err != nil {
			return nil, fmt.Errorf("invalid ref pattern %q: %w", p, err)
		}
	}
	return &Matcher{patterns: patterns}, nil
}

// Match reports whether name is selected.
func (m *Matcher) Match(name string) bool {
	if name == "HEAD" || strings.HasSuffix(name, "^{}") {
		return false
	}
	for _, p := range m.patterns {
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			if strings.HasPrefix(name, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
