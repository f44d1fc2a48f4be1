package main

import (
	"strings"
)

// FilterSpec is a snapshot of the player's narrowing criteria. An empty
// field matches everything on that dimension. The core never mutates a
// FilterSpec it receives; Clone at the boundary keeps it that way.
type FilterSpec struct {
	Level       int      // difficulty tier, 0 = any
	Ranges      []string // geographic region codes, any-of
	Tags        []string // required tags, all-of
	SearchTerm  string   // case-insensitive substring
	PhylogenyID int      // taxonomy subtree root, 0 = any
}

func (f FilterSpec) Clone() FilterSpec {
	c := f
	c.Ranges = append([]string(nil), f.Ranges...)
	c.Tags = append([]string(nil), f.Tags...)
	return c
}

// Equal compares two specs with set semantics on ranges and tags.
func (f FilterSpec) Equal(o FilterSpec) bool {
	return f.Level == o.Level &&
		f.SearchTerm == o.SearchTerm &&
		f.PhylogenyID == o.PhylogenyID &&
		sameSet(f.Ranges, o.Ranges) &&
		sameSet(f.Tags, o.Tags)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

// Matches reports whether pair satisfies every non-empty predicate in f.
func (f FilterSpec) Matches(pair TaxonPair, tax *Taxonomy) bool {
	if f.Level != 0 && pair.Level != f.Level {
		return false
	}

	if len(f.Ranges) > 0 && !intersects(pair.Ranges, f.Ranges) {
		return false
	}

	// Tag semantics are match-all-selected: the pair's tags must be a
	// superset of the chosen ones.
	for _, tag := range f.Tags {
		if !contains(pair.Tags, tag) {
			return false
		}
	}

	if f.SearchTerm != "" && !searchMatches(pair, f.SearchTerm) {
		return false
	}

	if f.PhylogenyID != 0 {
		inScope := false
		for _, id := range pair.TaxonIDs {
			if tax.IsDescendantOrSelf(id, f.PhylogenyID) {
				inScope = true
				break
			}
		}
		if !inScope {
			return false
		}
	}

	return true
}

func intersects(have, want []string) bool {
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func searchMatches(pair TaxonPair, term string) bool {
	term = strings.ToLower(term)

	if strings.Contains(strings.ToLower(pair.TaxonA), term) ||
		strings.Contains(strings.ToLower(pair.TaxonB), term) ||
		strings.Contains(strings.ToLower(pair.PairName), term) {
		return true
	}
	for _, tag := range pair.Tags {
		if strings.Contains(strings.ToLower(tag), term) {
			return true
		}
	}
	return false
}

// filterPairs returns every pair matching spec, in dataset order. An empty
// result is a valid outcome the caller must handle, not an error.
func filterPairs(pairs []TaxonPair, spec FilterSpec, tax *Taxonomy) []TaxonPair {
	out := make([]TaxonPair, 0, len(pairs))
	for _, p := range pairs {
		if spec.Matches(p, tax) {
			out = append(out, p)
		}
	}
	return out
}
