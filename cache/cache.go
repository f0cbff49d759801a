// Package cache suppresses duplicate inference calls. Lookup is two-tier:
// an exact tier keyed by a hash of scope and query, and a semantic tier that
// embeds the query and scans same-scope entries by cosine similarity. A hit
// on either tier answers without spending provider quota.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gil906/witnessreplay-inference/logging"
)

const (
	defaultCapacity  = 1000
	defaultTTL       = time.Hour
	defaultThreshold = 0.93
)

// Embedder turns text into the vector the semantic tier compares. It is
// supplied by the surrounding application; embedding usually costs a network
// call, so it runs outside the cache lock.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Entry is one cached response, exported for snapshot persistence.
type Entry struct {
	Key       string        `json:"key"`
	Query     string        `json:"query"`
	Response  string        `json:"response"`
	Scope     string        `json:"scope"`
	Embedding []float32     `json:"embedding,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	Hits      int           `json:"hits"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

// Stats tracks cache performance for the status surface.
type Stats struct {
	Entries      int     `json:"entries"`
	Capacity     int     `json:"capacity"`
	ExactHits    uint64  `json:"exact_hits"`
	SemanticHits uint64  `json:"semantic_hits"`
	Misses       uint64  `json:"misses"`
	Evictions    uint64  `json:"evictions"`
	Expired      uint64  `json:"expired"`
	HitRate      float64 `json:"hit_rate"`
}

// Options tunes a ResponseCache; zero values select the defaults.
type Options struct {
	Capacity            int
	DefaultTTL          time.Duration
	SimilarityThreshold float64
	// Similarity overrides the cosine default, for callers that bring
	// their own primitive.
	Similarity func(a, b []float32) float64
}

// ResponseCache holds entries behind one mutex. Embedding calls happen
// outside it; only map access and scans are serialized.
type ResponseCache struct {
	embedder   Embedder
	capacity   int
	ttl        time.Duration
	threshold  float64
	similarity func(a, b []float32) float64
	log        *logging.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time

	exactHits    uint64
	semanticHits uint64
	misses       uint64
	evictions    uint64
	expired      uint64
}

// New returns a ResponseCache. embedder may be nil; the semantic tier is
// then disabled and only exact matches hit.
func New(embedder Embedder, opts Options) *ResponseCache {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	threshold := opts.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultThreshold
	}
	similarity := opts.Similarity
	if similarity == nil {
		similarity = Cosine
	}

	return &ResponseCache{
		embedder:   embedder,
		capacity:   capacity,
		ttl:        ttl,
		threshold:  threshold,
		similarity: similarity,
		log:        logging.New("cache"),
		entries:    make(map[string]*Entry),
		now:        time.Now,
	}
}

// hashKey is the exact-tier key: SHA-256 over scope and query.
func hashKey(scope, query string) string {
	hasher := sha256.New()
	hasher.Write([]byte(scope))
	hasher.Write([]byte{0})
	hasher.Write([]byte(query))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Get looks the query up, exact tier first, then by embedding similarity
// against same-scope entries. threshold <= 0 selects the configured default.
// An exact hit reports similarity 1.0.
func (c *ResponseCache) Get(ctx context.Context, query, scope string, threshold float64) (response string, similarity float64, ok bool) {
	if threshold <= 0 {
		threshold = c.threshold
	}
	key := hashKey(scope, query)

	c.mu.Lock()
	now := c.now()
	if e, found := c.entries[key]; found {
		if e.expired(now) {
			delete(c.entries, key)
			c.expired++
		} else {
			e.Hits++
			c.exactHits++
			c.mu.Unlock()
			return e.Response, 1.0, true
		}
	}
	c.mu.Unlock()

	if c.embedder == nil {
		c.miss()
		return "", 0, false
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.log.Warn("Embedding failed, semantic tier skipped", "error", err)
		c.miss()
		return "", 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now = c.now()
	var best *Entry
	bestSim := 0.0
	for _, e := range c.entries {
		if e.Scope != scope || e.expired(now) || len(e.Embedding) == 0 {
			continue
		}
		if sim := c.similarity(vec, e.Embedding); sim > bestSim {
			best, bestSim = e, sim
		}
	}

	if best != nil && bestSim >= threshold {
		best.Hits++
		c.semanticHits++
		c.log.Debug("Semantic hit", "scope", scope, "similarity", bestSim)
		return best.Response, bestSim, true
	}

	c.misses++
	return "", 0, false
}

func (c *ResponseCache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Set stores a response. The embedding is computed at store time; if the
// embedder fails the entry degrades to exact-only rather than being dropped.
// ttl <= 0 selects the configured default.
func (c *ResponseCache) Set(ctx context.Context, query, response, scope string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	var vec []float32
	if c.embedder != nil {
		var err error
		vec, err = c.embedder.Embed(ctx, query)
		if err != nil {
			c.log.Warn("Embedding failed, storing exact-only entry", "error", err)
			vec = nil
		}
	}

	key := hashKey(scope, query)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry{
		Key:       key,
		Query:     query,
		Response:  response,
		Scope:     scope,
		Embedding: vec,
		CreatedAt: c.now(),
		TTL:       ttl,
	}

	if len(c.entries) > c.capacity {
		c.evictLocked()
	}
}

// evictLocked sweeps expired entries, then removes the lowest decile of the
// remainder ranked by fewest hits, oldest first.
func (c *ResponseCache) evictLocked() {
	now := c.now()

	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			c.expired++
		}
	}
	if len(c.entries) <= c.capacity {
		return
	}

	ranked := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ranked = append(ranked, e)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Hits != ranked[j].Hits {
			return ranked[i].Hits < ranked[j].Hits
		}
		return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
	})

	n := len(ranked) / 10
	if n < 1 {
		n = 1
	}
	for _, e := range ranked[:n] {
		delete(c.entries, e.Key)
		c.evictions++
	}

	c.log.Debug("Evicted low-value entries", "evicted", n, "remaining", len(c.entries))
}

// Stats returns the counters and current size.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits := c.exactHits + c.semanticHits
	total := hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Entries:      len(c.entries),
		Capacity:     c.capacity,
		ExactHits:    c.exactHits,
		SemanticHits: c.semanticHits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expired:      c.expired,
		HitRate:      hitRate,
	}
}

// Export returns a copy of all non-expired entries for persistence.
func (c *ResponseCache) Export() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.expired(now) {
			continue
		}
		cp := *e
		cp.Embedding = append([]float32(nil), e.Embedding...)
		out = append(out, cp)
	}
	return out
}

// Import restores persisted entries, skipping expired ones and anything
// beyond capacity. Later Sets still win over imported entries.
func (c *ResponseCache) Import(entries []Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	restored := 0
	for _, e := range entries {
		if e.expired(now) || e.Key == "" {
			continue
		}
		if len(c.entries) >= c.capacity {
			break
		}
		if _, exists := c.entries[e.Key]; exists {
			continue
		}
		cp := e
		c.entries[e.Key] = &cp
		restored++
	}
	return restored
}

// Cosine returns the cosine similarity of two vectors, or 0 when lengths
// differ or either norm is zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
