// Package ranker scores documents against query terms with TF-IDF and
// selects the top results.
package ranker

import (
	"math"

	"github.com/chaos-browser/sitesearch/internal/search/index"
)

// DefaultLimit caps a ranking when the caller passes a non-positive limit.
const DefaultLimit = 20

type ScoredDoc struct {
	DocID int     `json:"doc_id"`
	Score float64 `json:"score"`
}

// Rank scores every document that contains at least one of terms and
// returns the best limit of them, score descending, ties by DocID.
// Repeated terms count once. Terms must already be normalised by the
// tokenizer.
func Rank(terms []string, idx *index.Index, limit int) []ScoredDoc {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if idx == nil || idx.NumDocs() == 0 {
		return []ScoredDoc{}
	}
	numDocs := idx.NumDocs()
	scores := make(map[int]float64)
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		postings := idx.Postings(term)
		if len(postings) == 0 {
			continue
		}
		idf := computeIDF(numDocs, len(postings))
		for _, p := range postings {
			scores[p.DocID] += computeTF(p.Frequency, idx.DocLength(p.DocID)) * idf
		}
	}
	return topK(scores, limit)
}

// computeIDF is ln(N/df). A term found in every document weighs zero.
func computeIDF(numDocs, docFreq int) float64 {
	if numDocs == 0 || docFreq == 0 {
		return 0
	}
	return math.Log(float64(numDocs) / float64(docFreq))
}

func computeTF(freq, docLength int) float64 {
	if docLength == 0 {
		return 0
	}
	return float64(freq) / float64(docLength)
}
