package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ImageSource fetches candidate photos for a taxon from the biodiversity
// API. Taxon name -> id resolutions are cached for the process lifetime;
// photo lists are fetched per call so fresh observations can appear.
type ImageSource struct {
	apiURL string
	count  int
	client *http.Client

	mu       sync.Mutex
	rng      *rand.Rand
	taxonIDs map[string]int
}

func newImageSource(cfg *Config) *ImageSource {
	return &ImageSource{
		apiURL: strings.TrimSuffix(cfg.apiURL, "/"),
		count:  cfg.imageCount,
		client: &http.Client{
			Timeout: cfg.fetchTimeout,
		},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		taxonIDs: make(map[string]int),
	}
}

type taxaResponse struct {
	Results []struct {
		ID                  int    `json:"id"`
		Name                string `json:"name"`
		PreferredCommonName string `json:"preferred_common_name"`
	} `json:"results"`
}

type observationsResponse struct {
	Results []struct {
		Photos []struct {
			URL string `json:"url"`
		} `json:"photos"`
	} `json:"results"`
}

func (s *ImageSource) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *ImageSource) resolveTaxonID(ctx context.Context, taxonName string) (int, error) {
	s.mu.Lock()
	id, ok := s.taxonIDs[taxonName]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	query := url.Values{}
	query.Set("q", taxonName)
	query.Set("per_page", "1")

	var taxa taxaResponse
	if err := s.getJSON(ctx, "/taxa", query, &taxa); err != nil {
		return 0, err
	}
	if len(taxa.Results) == 0 {
		return 0, fmt.Errorf("%w: %s", errNoImages, taxonName)
	}

	id = taxa.Results[0].ID

	s.mu.Lock()
	s.taxonIDs[taxonName] = id
	s.mu.Unlock()

	return id, nil
}

// FetchCandidateImages returns up to the configured number of photo URLs
// for a taxon, deduplicated and lightly shuffled. Zero usable photos is
// reported as the distinguishable errNoImages outcome, not a transport
// error, so the caller's retry policy can treat the two differently.
func (s *ImageSource) FetchCandidateImages(ctx context.Context, taxonName string) ([]string, error) {
	id, err := s.resolveTaxonID(ctx, taxonName)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("taxon_id", strconv.Itoa(id))
	query.Set("photos", "true")
	query.Set("quality_grade", "research")
	query.Set("per_page", strconv.Itoa(s.count))

	var obs observationsResponse
	if err := s.getJSON(ctx, "/observations", query, &obs); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	urls := make([]string, 0, s.count)
	for _, result := range obs.Results {
		for _, photo := range result.Photos {
			u := mediumPhotoURL(photo.URL)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			urls = append(urls, u)
			if len(urls) == s.count {
				break
			}
		}
		if len(urls) == s.count {
			break
		}
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: %s", errNoImages, taxonName)
	}

	s.mu.Lock()
	s.rng.Shuffle(len(urls), func(i, j int) {
		urls[i], urls[j] = urls[j], urls[i]
	})
	s.mu.Unlock()

	return urls, nil
}

// The API hands out thumbnail ("square") URLs on observation records; the
// game displays the medium rendition of the same photo.
func mediumPhotoURL(u string) string {
	return strings.Replace(u, "square", "medium", 1)
}

// PickUnusedImage selects a random candidate that is neither in used nor
// equal to exclude. When every candidate is excluded, the pool is
// exhausted: the returned resetUsed flag tells the caller to reset its
// bookkeeping to just {exclude}, and selection is retried once against
// that reduced exclusion. A taxon with a single distinct photo falls back
// to exclude itself rather than failing.
func (s *ImageSource) PickUnusedImage(ctx context.Context, taxonName string, used map[string]bool, exclude string) (picked string, resetUsed bool, err error) {
	candidates, err := s.FetchCandidateImages(ctx, taxonName)
	if err != nil {
		return "", false, err
	}

	if picked := s.pickFrom(candidates, used, exclude); picked != "" {
		return picked, false, nil
	}

	// Exhausted: forget everything but the image on screen and retry.
	if picked := s.pickFrom(candidates, nil, exclude); picked != "" {
		return picked, true, nil
	}

	if exclude != "" {
		return exclude, true, nil
	}

	return "", false, fmt.Errorf("%w: %s", errNoImages, taxonName)
}

func (s *ImageSource) pickFrom(candidates []string, used map[string]bool, exclude string) string {
	usable := make([]string, 0, len(candidates))
	for _, u := range candidates {
		if u == exclude || used[u] {
			continue
		}
		usable = append(usable, u)
	}
	if len(usable) == 0 {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return usable[s.rng.Intn(len(usable))]
}

// FetchDisplayName resolves the vernacular name for a taxon. Display-only;
// callers fire it in the background and must never block gameplay on it.
func (s *ImageSource) FetchDisplayName(ctx context.Context, taxonName string) (string, error) {
	query := url.Values{}
	query.Set("q", taxonName)
	query.Set("per_page", "1")

	var taxa taxaResponse
	if err := s.getJSON(ctx, "/taxa", query, &taxa); err != nil {
		return "", err
	}
	if len(taxa.Results) == 0 || taxa.Results[0].PreferredCommonName == "" {
		return taxonName, nil
	}

	return taxa.Results[0].PreferredCommonName, nil
}
