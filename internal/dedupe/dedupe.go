// Package dedupe collapses records that describe the same business.
//
// Records match on normalized domain, or on token-set similarity of their
// normalized names within an identical region. Records carrying two
// different domains never merge. Borderline pairs are kept apart and
// reported as ambiguities.
package dedupe

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// DefaultThreshold is the name similarity above which two records merge.
const DefaultThreshold = 0.85

// Merge reasons.
const (
	ReasonDomain = "domain"
	ReasonName   = "name"
)

// Ambiguity reasons.
const (
	AmbiguousAtThreshold       = "similarity_at_threshold"
	AmbiguousConflictingDomain = "conflicting_domains"
)

const epsilon = 1e-9

// Record is anything the deduplicator can compare and rank.
type Record interface {
	DedupeIdentity() model.Identity
	DedupeRank() model.Rank
}

// Merge describes one record absorbed into another.
type Merge struct {
	KeptKey    string  `json:"kept_key"`
	DroppedKey string  `json:"dropped_key"`
	Reason     string  `json:"reason"`
	Similarity float64 `json:"similarity"`
}

// Result is the outcome of deduplication.
type Result[R Record] struct {
	Records     []R
	Merges      []Merge
	Ambiguities []model.Ambiguity
}

// Deduplicator holds the matching policy.
type Deduplicator struct {
	threshold float64
	stage     string
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithStage labels log lines, e.g. "pre" or "post".
func WithStage(stage string) Option {
	return func(d *Deduplicator) {
		d.stage = stage
	}
}

// New creates a deduplicator. A threshold outside (0,1] falls back to
// DefaultThreshold.
func New(threshold float64, opts ...Option) *Deduplicator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	d := &Deduplicator{threshold: threshold, stage: "dedupe"}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Threshold returns the fuzzy-match threshold.
func (d *Deduplicator) Threshold() float64 {
	return d.threshold
}

type entry struct {
	key    string
	domain string
	name   string
	region string
	tokens map[string]struct{}
	rank   model.Rank
}

func newEntry(r Record) entry {
	id := r.DedupeIdentity()
	name := NormalizeName(id.Name)
	return entry{
		key:    id.Key,
		domain: NormalizeDomain(id.Domain),
		name:   name,
		region: NormalizeRegion(id.Region),
		tokens: Tokens(name),
		rank:   r.DedupeRank(),
	}
}

// Dedupe collapses records until no further merge applies, so running it on
// its own output changes nothing. Survivors keep their input order.
func Dedupe[R Record](d *Deduplicator, records []R) Result[R] {
	res := Result[R]{Records: records}
	seen := make(map[[3]string]bool)

	for {
		entries := make([]entry, len(res.Records))
		for i, r := range res.Records {
			entries[i] = newEntry(r)
		}

		kept, merges, amb := d.pass(entries)
		for _, a := range amb {
			k := [3]string{a.KeyA, a.KeyB, a.Reason}
			if !seen[k] {
				seen[k] = true
				res.Ambiguities = append(res.Ambiguities, a)
			}
		}
		if len(merges) == 0 {
			break
		}

		res.Merges = append(res.Merges, merges...)
		next := make([]R, 0, len(kept))
		for _, i := range kept {
			next = append(next, res.Records[i])
		}
		res.Records = next
	}

	for _, m := range res.Merges {
		zap.L().Info("dedupe: merged records",
			zap.String("stage", d.stage),
			zap.String("kept", m.KeptKey),
			zap.String("dropped", m.DroppedKey),
			zap.String("reason", m.Reason),
			zap.Float64("similarity", m.Similarity),
		)
	}
	for _, a := range res.Ambiguities {
		zap.L().Warn("dedupe: ambiguous pair kept separate",
			zap.String("stage", d.stage),
			zap.String("key_a", a.KeyA),
			zap.String("key_b", a.KeyB),
			zap.Float64("similarity", a.Similarity),
			zap.String("reason", a.Reason),
		)
	}
	return res
}

type edge struct {
	a, b int
	sim  float64
}

// pass runs one round of matching and returns the indexes of survivors in
// input order.
func (d *Deduplicator) pass(entries []entry) ([]int, []Merge, []model.Ambiguity) {
	uf := newUnionFind(entries)
	var amb []model.Ambiguity

	// Identical domains, or identical identity keys, always describe the
	// same business.
	byDomain := make(map[string]int)
	byKey := make(map[string]int)
	for i, e := range entries {
		if e.domain != "" {
			if first, ok := byDomain[e.domain]; ok {
				uf.union(first, i)
			} else {
				byDomain[e.domain] = i
			}
		}
		if e.key == "" {
			continue
		}
		if first, ok := byKey[e.key]; ok {
			if uf.compatible(first, i) {
				uf.union(first, i)
			}
			continue
		}
		byKey[e.key] = i
	}

	for _, e := range d.fuzzyEdges(entries) {
		ea, eb := entries[e.a], entries[e.b]
		if ea.domain != "" && eb.domain != "" && ea.domain != eb.domain {
			continue
		}
		ra, rb := uf.find(e.a), uf.find(e.b)
		if ra == rb {
			continue
		}
		if math.Abs(e.sim-d.threshold) < epsilon {
			amb = append(amb, ambiguity(ea, eb, e.sim, AmbiguousAtThreshold))
			continue
		}
		if !uf.compatible(ra, rb) {
			amb = append(amb, ambiguity(ea, eb, e.sim, AmbiguousConflictingDomain))
			continue
		}
		uf.union(e.a, e.b)
	}

	groups := make(map[int][]int)
	for i := range entries {
		r := uf.find(i)
		groups[r] = append(groups[r], i)
	}

	var kept []int
	var merges []Merge
	for i := range entries {
		members := groups[uf.find(i)]
		if members[0] != i {
			continue
		}
		win := members[0]
		for _, m := range members[1:] {
			if outranks(entries[m], m, entries[win], win) {
				win = m
			}
		}
		kept = append(kept, win)
		for _, m := range members {
			if m == win {
				continue
			}
			merges = append(merges, mergeOf(entries[win], entries[m]))
		}
	}
	sort.Ints(kept)
	return kept, merges, amb
}

// fuzzyEdges returns candidate name matches within the same region, most
// similar first. Only pairs sharing a token are compared.
func (d *Deduplicator) fuzzyEdges(entries []entry) []edge {
	index := make(map[string]map[string][]int) // region -> token -> entries
	for i, e := range entries {
		if e.region == "" || len(e.tokens) == 0 {
			continue
		}
		byToken := index[e.region]
		if byToken == nil {
			byToken = make(map[string][]int)
			index[e.region] = byToken
		}
		for t := range e.tokens {
			byToken[t] = append(byToken[t], i)
		}
	}

	seen := make(map[[2]int]bool)
	var edges []edge
	for _, byToken := range index {
		for _, ids := range byToken {
			for x := 0; x < len(ids); x++ {
				for y := x + 1; y < len(ids); y++ {
					p := [2]int{ids[x], ids[y]}
					if seen[p] {
						continue
					}
					seen[p] = true
					sim := jaccard(entries[p[0]].tokens, entries[p[1]].tokens)
					if sim+epsilon < d.threshold {
						continue
					}
					edges = append(edges, edge{a: p[0], b: p[1], sim: sim})
				}
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].sim != edges[j].sim {
			return edges[i].sim > edges[j].sim
		}
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		return edges[i].b < edges[j].b
	})
	return edges
}

// outranks reports whether a (at input position ia) should be kept over b.
// Ties fall through to known-signal count, then domain presence, then input
// order.
func outranks(a entry, ia int, b entry, ib int) bool {
	if a.rank.Primary != b.rank.Primary {
		return a.rank.Primary > b.rank.Primary
	}
	if a.rank.Known != b.rank.Known {
		return a.rank.Known > b.rank.Known
	}
	if (a.domain != "") != (b.domain != "") {
		return a.domain != ""
	}
	return ia < ib
}

func mergeOf(kept, dropped entry) Merge {
	m := Merge{KeptKey: kept.key, DroppedKey: dropped.key, Reason: ReasonName}
	if kept.domain != "" && kept.domain == dropped.domain {
		m.Reason = ReasonDomain
		m.Similarity = 1
		return m
	}
	m.Similarity = jaccard(kept.tokens, dropped.tokens)
	return m
}

func ambiguity(a, b entry, sim float64, reason string) model.Ambiguity {
	ka, kb := a.key, b.key
	if kb < ka {
		ka, kb = kb, ka
	}
	return model.Ambiguity{KeyA: ka, KeyB: kb, Similarity: sim, Reason: reason}
}

// unionFind tracks groups and the single domain each group may carry.
type unionFind struct {
	parent []int
	domain map[int]string
}

func newUnionFind(entries []entry) *unionFind {
	uf := &unionFind{parent: make([]int, len(entries)), domain: make(map[int]string)}
	for i, e := range entries {
		uf.parent[i] = i
		if e.domain != "" {
			uf.domain[i] = e.domain
		}
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// compatible reports whether the groups of a and b do not carry two
// different domains.
func (u *unionFind) compatible(a, b int) bool {
	da, db := u.domain[u.find(a)], u.domain[u.find(b)]
	return da == "" || db == "" || da == db
}

// union joins two groups under the lower root so grouping is independent of
// call order.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.domain[ra] == "" && u.domain[rb] != "" {
		u.domain[ra] = u.domain[rb]
	}
	delete(u.domain, rb)
}
