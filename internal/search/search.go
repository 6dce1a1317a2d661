// Package search implements the in-process inverted index over crate
// names and descriptions. It is a cache of the metadata store: rebuilt
// from it at startup and updated best-effort on every publish.
package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters and field weights. The name field dominates so that a
// crate named after the query outranks crates merely describing it.
const (
	bm25K1            = 1.2
	bm25B             = 0.75
	nameWeight        = 3.0
	descriptionWeight = 1.0
	prefixWeight      = 0.5

	maxPrefixExpansions = 64
)

// Document is the indexable projection of a crate.
type Document struct {
	ID          int64
	Name        string
	Description string
}

// Result is one search hit.
type Result struct {
	ID    int64
	Score float64
}

// posting records one document's term occurrence counts, per field.
type posting struct {
	nameFreq int
	descFreq int
}

type docEntry struct {
	nameLen int
	descLen int
	terms   []string // for removal
}

// Engine is a concurrent inverted index: many concurrent Search calls,
// serialized Index/Remove calls.
type Engine struct {
	mu sync.RWMutex

	postings map[string]map[int64]*posting
	docs     map[int64]*docEntry
	terms    []string // sorted term dictionary, for prefix queries

	totalNameLen int
	totalDescLen int
}

// NewEngine creates an empty search engine.
func NewEngine() *Engine {
	return &Engine{
		postings: make(map[string]map[int64]*posting),
		docs:     make(map[int64]*docEntry),
	}
}

// Index adds or replaces a document. Indexing is idempotent: re-indexing
// the same document leaves the engine unchanged.
func (e *Engine) Index(doc Document) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeLocked(doc.ID)

	nameTokens := Tokenize(doc.Name)
	descTokens := Tokenize(doc.Description)

	entry := &docEntry{
		nameLen: len(nameTokens),
		descLen: len(descTokens),
	}
	seen := make(map[string]bool)

	addToken := func(term string, name bool) {
		list, ok := e.postings[term]
		if !ok {
			list = make(map[int64]*posting)
			e.postings[term] = list
			e.insertTerm(term)
		}
		p, ok := list[doc.ID]
		if !ok {
			p = &posting{}
			list[doc.ID] = p
		}
		if name {
			p.nameFreq++
		} else {
			p.descFreq++
		}
		if !seen[term] {
			seen[term] = true
			entry.terms = append(entry.terms, term)
		}
	}

	for _, tok := range nameTokens {
		addToken(tok, true)
	}
	for _, tok := range descTokens {
		addToken(tok, false)
	}

	e.docs[doc.ID] = entry
	e.totalNameLen += entry.nameLen
	e.totalDescLen += entry.descLen
}

// Remove deletes a document from the index. Removing an unknown id is a
// no-op.
func (e *Engine) Remove(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(id)
}

func (e *Engine) removeLocked(id int64) {
	entry, ok := e.docs[id]
	if !ok {
		return
	}
	for _, term := range entry.terms {
		list := e.postings[term]
		delete(list, id)
		if len(list) == 0 {
			delete(e.postings, term)
			e.deleteTerm(term)
		}
	}
	e.totalNameLen -= entry.nameLen
	e.totalDescLen -= entry.descLen
	delete(e.docs, id)
}

// Rebuild replaces the whole index with the given documents. The new
// index is built aside and swapped in under one lock acquisition, so
// concurrent searches see either the old index or the new one, never a
// partially built one.
func (e *Engine) Rebuild(docs []Document) {
	fresh := NewEngine()
	for _, doc := range docs {
		fresh.Index(doc)
	}

	e.mu.Lock()
	e.postings = fresh.postings
	e.docs = fresh.docs
	e.terms = fresh.terms
	e.totalNameLen = fresh.totalNameLen
	e.totalDescLen = fresh.totalDescLen
	e.mu.Unlock()
}

// Len returns the number of indexed documents.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// Search tokenizes the query and ranks documents with BM25 over the name
// and description fields. Query tokens also match as prefixes of indexed
// terms, at reduced weight. The second return value is the total number
// of matching documents before limit/offset are applied.
func (e *Engine) Search(query string, limit, offset int) ([]Result, int) {
	tokens := Tokenize(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil, 0
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.docs)
	if n == 0 {
		return nil, 0
	}
	avgNameLen := float64(e.totalNameLen) / float64(n)
	avgDescLen := float64(e.totalDescLen) / float64(n)
	if avgNameLen == 0 {
		avgNameLen = 1
	}
	if avgDescLen == 0 {
		avgDescLen = 1
	}

	scores := make(map[int64]float64)
	for _, tok := range tokens {
		e.scoreTerm(tok, 1.0, avgNameLen, avgDescLen, scores)
		for _, expanded := range e.expandPrefix(tok) {
			e.scoreTerm(expanded, prefixWeight, avgNameLen, avgDescLen, scores)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	total := len(results)
	if offset >= total {
		return nil, total
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total
}

func (e *Engine) scoreTerm(term string, weight, avgNameLen, avgDescLen float64, scores map[int64]float64) {
	list, ok := e.postings[term]
	if !ok {
		return
	}
	idf := idf(len(e.docs), len(list))
	for id, p := range list {
		entry := e.docs[id]
		var score float64
		if p.nameFreq > 0 {
			score += nameWeight * bm25(float64(p.nameFreq), float64(entry.nameLen), avgNameLen)
		}
		if p.descFreq > 0 {
			score += descriptionWeight * bm25(float64(p.descFreq), float64(entry.descLen), avgDescLen)
		}
		scores[id] += weight * idf * score
	}
}

// expandPrefix returns indexed terms that extend the query token, capped
// to keep degenerate one-letter queries cheap.
func (e *Engine) expandPrefix(prefix string) []string {
	start := sort.SearchStrings(e.terms, prefix)
	var out []string
	for i := start; i < len(e.terms) && len(out) < maxPrefixExpansions; i++ {
		term := e.terms[i]
		if !strings.HasPrefix(term, prefix) {
			break
		}
		if term != prefix {
			out = append(out, term)
		}
	}
	return out
}

func (e *Engine) insertTerm(term string) {
	i := sort.SearchStrings(e.terms, term)
	if i < len(e.terms) && e.terms[i] == term {
		return
	}
	e.terms = append(e.terms, "")
	copy(e.terms[i+1:], e.terms[i:])
	e.terms[i] = term
}

func (e *Engine) deleteTerm(term string) {
	i := sort.SearchStrings(e.terms, term)
	if i < len(e.terms) && e.terms[i] == term {
		e.terms = append(e.terms[:i], e.terms[i+1:]...)
	}
}

func bm25(tf, docLen, avgLen float64) float64 {
	return tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
}

// idf is the BM25 inverse document frequency, floored at a small
// positive value so very common terms still contribute.
func idf(docs, containing int) float64 {
	v := math.Log((float64(docs)-float64(containing)+0.5)/(float64(containing)+0.5) + 1)
	if v < 0.01 {
		return 0.01
	}
	return v
}

// Tokenize lowercases the input and splits it on any non-alphanumeric
// rune, so "serde_json" and "serde-json" produce the same tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
