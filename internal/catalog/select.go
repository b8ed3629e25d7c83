package catalog

import (
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/veilmesh/htx-helper/internal/errs"
)

// Selector picks a decoy for a target host by weighted sampling over
// matching entries, tracking the last decoy returned per target so
// selection never repeats the same one twice in succession when more
// than one candidate matches.
type Selector struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]string // target host -> last decoy_host returned
}

func newSelector(seed int64) *Selector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Selector{
		rng:  rand.New(rand.NewSource(seed)),
		last: make(map[string]string),
	}
}

// Reset clears the no-repeat memory, called whenever the active
// catalog is replaced so stale entries from a prior catalog version
// cannot suppress a valid pick.
func (s *Selector) Reset() {
	s.mu.Lock()
	s.last = make(map[string]string)
	s.mu.Unlock()
}

// Select matches targetHost against each entry's glob host_pattern and
// returns a weighted-random pick among the matches, avoiding an
// immediate repeat of the last decoy returned for this target when
// more than one candidate is available.
func (s *Selector) Select(targetHost string, entries []DecoyEntry) (DecoyEntry, error) {
	var matches []DecoyEntry
	for _, e := range entries {
		if matchHost(e.HostPattern, targetHost) {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return DecoyEntry{}, errs.New(errs.KindCatalog, "catalog.Select: no matching decoy")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.last[targetHost]
	candidates := matches
	if len(matches) > 1 && prev != "" {
		filtered := make([]DecoyEntry, 0, len(matches))
		for _, e := range matches {
			if e.DecoyHost != prev {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	pick := weightedPick(s.rng, candidates)
	s.last[targetHost] = pick.DecoyHost
	return pick, nil
}

func weightedPick(rng *rand.Rand, entries []DecoyEntry) DecoyEntry {
	var total uint64
	for _, e := range entries {
		total += uint64(e.Weight)
	}
	if total == 0 {
		return entries[rng.Intn(len(entries))]
	}
	r := uint64(rng.Int63n(int64(total)))
	for _, e := range entries {
		if r < uint64(e.Weight) {
			return e
		}
		r -= uint64(e.Weight)
	}
	return entries[len(entries)-1]
}

// matchHost reports whether host_pattern (a glob using "*") matches
// target. filepath.Match already implements exactly the glob semantics
// the spec needs (single "*" wildcard over a hostname's dot-separated
// segments is not special-cased; the catalog's patterns are plain glob
// strings, e.g. "*.example.com").
func matchHost(pattern, target string) bool {
	ok, err := filepath.Match(pattern, target)
	if err != nil {
		return false
	}
	return ok
}
