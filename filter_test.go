package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTaxonomy() *Taxonomy {
	return &Taxonomy{parents: map[int]int{
		1:   0, // Animalia
		2:   1, // Chordata
		3:   2, // Aves
		10:  3, // a bird species
		11:  3, // another bird species
		20:  1, // Arthropoda
		21:  20,
	}}
}

func testPairs() []TaxonPair {
	return []TaxonPair{
		{PairID: "a", TaxonA: "Corvus corax", TaxonB: "Corvus brachyrhynchos", PairName: "Raven vs. Crow", Level: 2, Tags: []string{"forest", "wetland"}, Ranges: []string{"NA", "EU"}, TaxonIDs: []int{10, 11}},
		{PairID: "b", TaxonA: "Danaus plexippus", TaxonB: "Limenitis archippus", PairName: "Monarch vs. Viceroy", Level: 1, Tags: []string{"mimicry"}, Ranges: []string{"NA"}, TaxonIDs: []int{21}},
		{PairID: "c", TaxonA: "Quercus robur", TaxonB: "Acer pseudoplatanus", PairName: "Oak vs. Maple", Level: 1, Tags: []string{"forest", "trees"}, Ranges: []string{"EU"}, TaxonIDs: []int{99}},
	}
}

func pairIDs(pairs []TaxonPair) []string {
	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.PairID)
	}
	return ids
}

func TestFilterPairs(t *testing.T) {
	tax := testTaxonomy()
	all := testPairs()

	tests := []struct {
		name string
		spec FilterSpec
		want []string
	}{
		{"empty spec matches all", FilterSpec{}, []string{"a", "b", "c"}},
		{"level", FilterSpec{Level: 1}, []string{"b", "c"}},
		{"range intersection", FilterSpec{Ranges: []string{"EU"}}, []string{"a", "c"}},
		{"range any-of", FilterSpec{Ranges: []string{"EU", "NA"}}, []string{"a", "b", "c"}},
		{"single tag subset matches", FilterSpec{Tags: []string{"forest"}}, []string{"a", "c"}},
		{"tags require superset", FilterSpec{Tags: []string{"forest", "alpine"}}, []string{}},
		{"both tags present", FilterSpec{Tags: []string{"forest", "wetland"}}, []string{"a"}},
		{"search taxon name", FilterSpec{SearchTerm: "corvus"}, []string{"a"}},
		{"search pair name", FilterSpec{SearchTerm: "viceroy"}, []string{"b"}},
		{"search tag", FilterSpec{SearchTerm: "tree"}, []string{"c"}},
		{"search no match", FilterSpec{SearchTerm: "zebra"}, []string{}},
		{"phylogeny scope birds", FilterSpec{PhylogenyID: 3}, []string{"a"}},
		{"phylogeny scope animals", FilterSpec{PhylogenyID: 1}, []string{"a", "b"}},
		{"phylogeny self", FilterSpec{PhylogenyID: 21}, []string{"b"}},
		{"combined", FilterSpec{Level: 1, Ranges: []string{"NA"}}, []string{"b"}},
		{"combined excludes", FilterSpec{Level: 2, Tags: []string{"mimicry"}}, []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := filterPairs(all, tc.spec, tax)
			assert.ElementsMatch(t, tc.want, pairIDs(got))
		})
	}
}

func TestFilterPairsEmptyInput(t *testing.T) {
	got := filterPairs(nil, FilterSpec{}, testTaxonomy())
	assert.Empty(t, got)
}

func TestFilterPairsDeterministic(t *testing.T) {
	tax := testTaxonomy()
	all := testPairs()
	spec := FilterSpec{Ranges: []string{"NA", "EU"}}

	first := pairIDs(filterPairs(all, spec, tax))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, pairIDs(filterPairs(all, spec, tax)))
	}
}

func TestFilterSpecEqual(t *testing.T) {
	a := FilterSpec{Level: 1, Ranges: []string{"NA", "EU"}, Tags: []string{"x", "y"}, SearchTerm: "q", PhylogenyID: 3}

	b := a.Clone()
	assert.True(t, a.Equal(b))

	// Set-equality: order must not matter.
	b.Ranges = []string{"EU", "NA"}
	b.Tags = []string{"y", "x"}
	assert.True(t, a.Equal(b))

	c := a.Clone()
	c.Tags = append(c.Tags, "z")
	assert.False(t, a.Equal(c))

	d := a.Clone()
	d.SearchTerm = "other"
	assert.False(t, a.Equal(d))
}

func TestFilterSpecCloneIsDeep(t *testing.T) {
	a := FilterSpec{Ranges: []string{"NA"}, Tags: []string{"forest"}}
	b := a.Clone()

	require.Len(t, b.Ranges, 1)
	b.Ranges[0] = "EU"
	b.Tags[0] = "wetland"

	assert.Equal(t, "NA", a.Ranges[0])
	assert.Equal(t, "forest", a.Tags[0])
}
