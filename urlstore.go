package trawl

import (
	"context"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// URLRecord is the stored metadata for one discovered URL, keyed by its
// canonical form.
type URLRecord struct {
	URL         string  `json:"url"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Date        string  `json:"date,omitempty"`
	Weight      float64 `json:"weight"`
	Occurrences int     `json:"occurrences"`
}

// BoostedURL is a URLRecord with its ranking components.
type BoostedURL struct {
	URLRecord
	FreqBoost     float64 `json:"freq_boost"`
	HostnameBoost float64 `json:"hostname_boost"`
	PathBoost     float64 `json:"path_boost"`
	RerankBoost   float64 `json:"rerank_boost"`
	FinalScore    float64 `json:"final_score"`
}

// URLStore is the in-memory, deduplicating, rankable map of discovered URLs
// for a single request.
type URLStore struct {
	mu      sync.Mutex
	records map[string]*URLRecord
}

// NewURLStore creates an empty store.
func NewURLStore() *URLStore {
	return &URLStore{records: make(map[string]*URLRecord)}
}

// trackingParams are query parameters stripped during normalization.
// Prefix match for "utm_"; exact match otherwise.
var trackingParams = map[string]bool{
	"fbclid":   true,
	"gclid":    true,
	"dclid":    true,
	"msclkid":  true,
	"igshid":   true,
	"mc_cid":   true,
	"mc_eid":   true,
	"ref_src":  true,
	"spm":      true,
	"yclid":    true,
	"_hsenc":   true,
	"_hsmi":    true,
	"s_cid":    true,
}

var multiSlash = regexp.MustCompile(`/{2,}`)

// NormalizeURL returns the canonical form of raw: lowercased scheme and host,
// default port stripped, fragment removed, tracking parameters dropped,
// duplicate path slashes collapsed, trailing slash trimmed unless the path is
// "/". Invalid or non-http(s) URLs return ok = false.
func NormalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if port := u.Port(); port != "" {
		if (scheme == "http" && port != "80") || (scheme == "https" && port != "443") {
			host += ":" + port
		}
	}

	// Path: parsing already percent-decodes unreserved characters; collapse
	// duplicate slashes and trim the trailing slash.
	path := multiSlash.ReplaceAllString(u.Path, "/")
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	// Query: drop tracking parameters, re-encode (sorted, canonical escaping).
	q := u.Query()
	for k := range q {
		if trackingParams[strings.ToLower(k)] || strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if enc := q.Encode(); enc != "" {
		b.WriteString("?")
		b.WriteString(enc)
	}
	return b.String(), true
}

// Hostname returns the lowercased host of a normalized URL, without port.
func Hostname(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Add normalizes raw and merges it into the store with the given weight.
// Adding an existing URL increments occurrences, accumulates weight, and
// keeps the longest title/description seen. Returns the canonical URL and
// whether it was stored.
func (s *URLStore) Add(raw, title, description, date string, weight float64) (string, bool) {
	norm, ok := NormalizeURL(raw)
	if !ok {
		return "", false
	}
	if weight == 0 {
		weight = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[norm]
	if !exists {
		s.records[norm] = &URLRecord{
			URL:         norm,
			Title:       title,
			Description: description,
			Date:        date,
			Weight:      weight,
			Occurrences: 1,
		}
		return norm, true
	}
	rec.Occurrences++
	rec.Weight += weight
	if len(title) > len(rec.Title) {
		rec.Title = title
	}
	if len(description) > len(rec.Description) {
		rec.Description = description
	}
	if rec.Date == "" {
		rec.Date = date
	}
	return norm, true
}

// Get returns the record for a normalized URL.
func (s *URLStore) Get(normalized string) (URLRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[normalized]
	if !ok {
		return URLRecord{}, false
	}
	return *rec, true
}

// Len returns the number of distinct URLs.
func (s *URLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// All returns a copy of every record, unordered.
func (s *URLStore) All() []URLRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]URLRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// RankOptions controls filtering and ranking of store candidates.
type RankOptions struct {
	Question       string
	Visited        map[string]bool // normalized URLs to exclude
	BadHostnames   []string        // hosts excluded entirely
	BoostHostnames []string        // hosts receiving a positive boost
	OnlyHostnames  []string        // when non-empty, restrict to these hosts
	PenalizedHosts map[string]int  // host → count of failed fetches
	Reranker       Reranker        // optional; nil means zero rerank boost
	MaxPerHost     int             // diversity cap; 0 means DefaultMaxPerHost
}

// DefaultMaxPerHost is the diversity cap applied after ranking.
const DefaultMaxPerHost = 2

const (
	hostBoostAlpha   = 2.0  // boost-listed host
	hostPenaltyBeta  = 1.0  // per-host penalty scale for failed fetches
	pathBoostMax     = 0.3  // navigational (shallow path) reward
	pathBoostPerSeg  = 0.1
)

// Rank filters and ranks the store's candidates for the given question.
// Pipeline: exclude visited, exclude bad-listed hosts, restrict to the
// only-list when present, compute boost components, sort by final score
// descending, then cap URLs per hostname.
func (s *URLStore) Rank(ctx context.Context, opts RankOptions) []BoostedURL {
	bad := hostSet(opts.BadHostnames)
	only := hostSet(opts.OnlyHostnames)
	boost := hostSet(opts.BoostHostnames)

	var candidates []URLRecord
	for _, rec := range s.All() {
		if opts.Visited[rec.URL] {
			continue
		}
		host := Hostname(rec.URL)
		if bad[host] {
			continue
		}
		if len(only) > 0 && !only[host] {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil
	}

	rerankScores := s.rerankScores(ctx, opts, candidates)

	ranked := make([]BoostedURL, 0, len(candidates))
	for i, rec := range candidates {
		host := Hostname(rec.URL)
		b := BoostedURL{URLRecord: rec}

		// Frequency: log-dampened occurrences scaled by average weight.
		avgWeight := rec.Weight / float64(rec.Occurrences)
		b.FreqBoost = math.Log1p(float64(rec.Occurrences)) * avgWeight

		if boost[host] {
			b.HostnameBoost += hostBoostAlpha
		}
		if n := opts.PenalizedHosts[host]; n > 0 {
			b.HostnameBoost -= hostPenaltyBeta * math.Log1p(float64(n))
		}

		b.PathBoost = pathBoost(rec.URL)
		if rerankScores != nil {
			b.RerankBoost = rerankScores[i]
		}
		b.FinalScore = b.FreqBoost + b.HostnameBoost + b.PathBoost + b.RerankBoost
		ranked = append(ranked, b)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinalScore > ranked[j].FinalScore
	})

	maxPerHost := opts.MaxPerHost
	if maxPerHost <= 0 {
		maxPerHost = DefaultMaxPerHost
	}
	perHost := make(map[string]int)
	capped := ranked[:0]
	for _, b := range ranked {
		host := Hostname(b.URL)
		if perHost[host] >= maxPerHost {
			continue
		}
		perHost[host]++
		capped = append(capped, b)
	}
	return capped
}

// rerankScores asks the reranker to score each candidate against the
// question. A nil reranker or a rerank failure yields nil (zero boosts);
// ranking stays deterministic on the remaining components.
func (s *URLStore) rerankScores(ctx context.Context, opts RankOptions, candidates []URLRecord) []float64 {
	if opts.Reranker == nil || opts.Question == "" {
		return nil
	}
	docs := make([]string, len(candidates))
	for i, rec := range candidates {
		docs[i] = strings.TrimSpace(rec.Title + " " + rec.Description)
	}
	scores, err := opts.Reranker.Rerank(ctx, opts.Question, docs)
	if err != nil || len(scores) != len(candidates) {
		return nil
	}
	return scores
}

// pathBoost rewards shorter paths for navigational intent.
func pathBoost(normalized string) float64 {
	u, err := url.Parse(normalized)
	if err != nil {
		return 0
	}
	segs := 0
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			segs++
		}
	}
	b := pathBoostMax - float64(segs)*pathBoostPerSeg
	if b < 0 {
		return 0
	}
	return b
}

func hostSet(hosts []string) map[string]bool {
	if len(hosts) == 0 {
		return nil
	}
	m := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		m[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return m
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\)\]]+`)

// ExtractURLs finds http(s) URLs embedded in free text.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}
