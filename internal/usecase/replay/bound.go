package replay

import (
	"math/rand/v2"
	"sort"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
)

// Bound reduces a traffic sample to the topN most frequent pattern classes,
// one representative each weighted by class frequency, plus randomN queries
// drawn with a fixed seed from the remaining classes. Non-positive topN and
// randomN return the sample unchanged.
func Bound(sample []ports.RecordedQuery, topN int, randomN int, seed uint64) []ports.RecordedQuery {
	if topN <= 0 && randomN <= 0 {
		return sample
	}

	type class struct {
		hash      string
		first     ports.RecordedQuery
		frequency int
		members   []ports.RecordedQuery
	}

	byHash := make(map[string]*class)
	order := make([]*class, 0)
	for _, q := range sample {
		hash := pipeline.PatternHash(q.Query)
		c, ok := byHash[hash]
		if !ok {
			c = &class{hash: hash, first: q}
			byHash[hash] = c
			order = append(order, c)
		}
		c.frequency += weightOf(q)
		c.members = append(c.members, q)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].frequency != order[j].frequency {
			return order[i].frequency > order[j].frequency
		}
		return order[i].hash < order[j].hash
	})

	if topN < 0 {
		topN = 0
	}
	if topN > len(order) {
		topN = len(order)
	}

	out := make([]ports.RecordedQuery, 0, topN+randomN)
	for _, c := range order[:topN] {
		rep := c.first
		rep.Count = c.frequency
		out = append(out, rep)
	}

	if randomN <= 0 {
		return out
	}
	rest := make([]ports.RecordedQuery, 0)
	for _, c := range order[topN:] {
		rest = append(rest, c.members...)
	}
	if len(rest) <= randomN {
		return append(out, rest...)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append(out, rest[:randomN]...)
}
