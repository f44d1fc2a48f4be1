package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TaxonPair identifies two taxa the player must learn to tell apart. Loaded
// once at startup and never mutated by gameplay.
type TaxonPair struct {
	PairID   string
	TaxonA   string
	TaxonB   string
	PairName string
	Level    int
	Tags     []string
	Ranges   []string
	TaxonIDs []int
}

// Taxonomy holds parent links for phylogeny-scope filtering.
type Taxonomy struct {
	parents map[int]int
}

func (t *Taxonomy) Len() int {
	if t == nil {
		return 0
	}
	return len(t.parents)
}

// IsDescendantOrSelf walks parent links from id towards the root. The walk
// is capped so a malformed dataset with a parent cycle cannot hang it.
func (t *Taxonomy) IsDescendantOrSelf(id, scope int) bool {
	if scope == 0 {
		return true
	}
	if t == nil {
		return id == scope
	}

	for steps := 0; steps < 1000; steps++ {
		if id == scope {
			return true
		}
		parent, ok := t.parents[id]
		if !ok || parent == id || parent == 0 {
			return false
		}
		id = parent
	}

	return false
}

// Dataset is the immutable session-wide pair collection plus taxonomy.
type Dataset struct {
	Pairs    []TaxonPair
	Taxonomy *Taxonomy

	byID map[string]TaxonPair
}

func (d *Dataset) PairByID(id string) (TaxonPair, bool) {
	p, ok := d.byID[id]
	return p, ok
}

// flexLevel accepts both numeric and quoted difficulty tiers; curated
// datasets have used both spellings over time.
type flexLevel int

func (l *flexLevel) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*l = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid level %q: %w", s, err)
	}
	*l = flexLevel(n)
	return nil
}

func (l *flexLevel) UnmarshalYAML(value *yaml.Node) error {
	n, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid level %q: %w", value.Value, err)
	}
	*l = flexLevel(n)
	return nil
}

// rawPair is the wire shape of one dataset entry. Older exports spell the
// taxa as taxon1/taxon2 or as a two-element taxonNames list; all spellings
// are normalized here, at the loading boundary, so only the canonical
// TaxonPair shape exists past this file.
type rawPair struct {
	PairID     string    `json:"pairID" yaml:"pairID"`
	PairName   string    `json:"pairName" yaml:"pairName"`
	TaxonA     string    `json:"taxonA" yaml:"taxonA"`
	TaxonB     string    `json:"taxonB" yaml:"taxonB"`
	Taxon1     string    `json:"taxon1" yaml:"taxon1"`
	Taxon2     string    `json:"taxon2" yaml:"taxon2"`
	TaxonNames []string  `json:"taxonNames" yaml:"taxonNames"`
	Level      flexLevel `json:"level" yaml:"level"`
	Tags       []string  `json:"tags" yaml:"tags"`
	Ranges     []string  `json:"range" yaml:"range"`
	TaxonIDs   []int     `json:"taxa" yaml:"taxa"`
}

func (r rawPair) normalize() (TaxonPair, error) {
	a, b := r.TaxonA, r.TaxonB
	if a == "" && b == "" {
		a, b = r.Taxon1, r.Taxon2
	}
	if a == "" && b == "" && len(r.TaxonNames) == 2 {
		a, b = r.TaxonNames[0], r.TaxonNames[1]
	}

	switch {
	case r.PairID == "":
		return TaxonPair{}, fmt.Errorf("pair %q: missing pairID", r.PairName)
	case a == "" || b == "":
		return TaxonPair{}, fmt.Errorf("pair %s: missing taxon names", r.PairID)
	case a == b:
		return TaxonPair{}, fmt.Errorf("pair %s: taxa must differ, got %q twice", r.PairID, a)
	}

	name := r.PairName
	if name == "" {
		name = a + " vs. " + b
	}

	return TaxonPair{
		PairID:   r.PairID,
		TaxonA:   a,
		TaxonB:   b,
		PairName: name,
		Level:    int(r.Level),
		Tags:     r.Tags,
		Ranges:   r.Ranges,
		TaxonIDs: r.TaxonIDs,
	}, nil
}

type rawTaxon struct {
	ID     int `json:"id" yaml:"id"`
	Parent int `json:"parent" yaml:"parent"`
}

type rawDataset struct {
	Pairs []rawPair  `json:"taxonPairs" yaml:"taxonPairs"`
	Taxa  []rawTaxon `json:"taxonomy" yaml:"taxonomy"`
}

//go:embed data/taxonPairs.json
var defaultDataset []byte

// loadDataset reads the embedded dataset, or the file named by --data.
// Override files may be JSON or YAML, keyed by extension.
func loadDataset(cfg *Config) (*Dataset, error) {
	data := defaultDataset
	useYAML := false

	if cfg.dataFile != "" {
		var err error
		data, err = os.ReadFile(cfg.dataFile)
		if err != nil {
			return nil, fmt.Errorf("reading dataset: %w", err)
		}
		switch strings.ToLower(filepath.Ext(cfg.dataFile)) {
		case ".yaml", ".yml":
			useYAML = true
		}
	}

	var raw rawDataset
	if useYAML {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing dataset: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing dataset: %w", err)
		}
	}

	return newDataset(raw)
}

func newDataset(raw rawDataset) (*Dataset, error) {
	d := &Dataset{
		Pairs:    make([]TaxonPair, 0, len(raw.Pairs)),
		Taxonomy: &Taxonomy{parents: make(map[int]int, len(raw.Taxa))},
		byID:     make(map[string]TaxonPair, len(raw.Pairs)),
	}

	for _, rp := range raw.Pairs {
		pair, err := rp.normalize()
		if err != nil {
			return nil, err
		}
		if _, dup := d.byID[pair.PairID]; dup {
			return nil, fmt.Errorf("duplicate pairID %s", pair.PairID)
		}
		d.Pairs = append(d.Pairs, pair)
		d.byID[pair.PairID] = pair
	}

	for _, t := range raw.Taxa {
		if t.ID == 0 {
			return nil, fmt.Errorf("taxonomy entry with zero id")
		}
		d.Taxonomy.parents[t.ID] = t.Parent
	}

	return d, nil
}
