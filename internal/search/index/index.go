// Package index builds the immutable inverted index the query engine
// searches. An Index is produced once by Build and never mutated; a rebuild
// produces a new Index.
package index

import (
	"time"

	"github.com/google/uuid"

	"github.com/chaos-browser/sitesearch/internal/search/tokenizer"
)

// Index holds the postings, per-document term counts and documents of a
// single build generation.
type Index struct {
	id       string
	postings map[string]PostingList
	lengths  []int
	docs     []Document
	tokens   int64
	builtAt  time.Time
}

// Build indexes docs in order. Each document's ID is set to its position.
func Build(docs []Document) *Index {
	idx := &Index{
		id:       uuid.Must(uuid.NewV7()).String(),
		postings: make(map[string]PostingList),
		lengths:  make([]int, len(docs)),
		docs:     make([]Document, len(docs)),
		builtAt:  time.Now().UTC(),
	}
	for docID, doc := range docs {
		doc.ID = docID
		idx.docs[docID] = doc

		termCounts := make(map[string]int)
		length := 0
		for term := range tokenizer.Tokenize(doc.Title + " " + doc.Content) {
			termCounts[term]++
			length++
		}
		idx.lengths[docID] = length
		idx.tokens += int64(length)

		// Documents are visited in ascending ID order, so appending keeps
		// every posting list sorted.
		for term, count := range termCounts {
			idx.postings[term] = append(idx.postings[term], Posting{
				DocID:     docID,
				Frequency: count,
			})
		}
	}
	return idx
}

// ID returns the unique identifier of this build generation.
func (ix *Index) ID() string {
	return ix.id
}

// Postings returns the posting list for an already-normalised term, or nil.
// The returned slice is shared and must not be modified.
func (ix *Index) Postings(term string) PostingList {
	return ix.postings[term]
}

// DocLength returns the number of terms indexed for docID, or 0 for an
// unknown document.
func (ix *Index) DocLength(docID int) int {
	if docID < 0 || docID >= len(ix.lengths) {
		return 0
	}
	return ix.lengths[docID]
}

// Document returns the document stored under docID.
func (ix *Index) Document(docID int) (Document, bool) {
	if docID < 0 || docID >= len(ix.docs) {
		return Document{}, false
	}
	return ix.docs[docID], true
}

func (ix *Index) NumDocs() int {
	return len(ix.docs)
}

func (ix *Index) NumTerms() int {
	return len(ix.postings)
}

// AvgDocLength is the mean number of terms per document.
func (ix *Index) AvgDocLength() float64 {
	if len(ix.docs) == 0 {
		return 0
	}
	return float64(ix.tokens) / float64(len(ix.docs))
}

func (ix *Index) BuiltAt() time.Time {
	return ix.builtAt
}
