package index

// Document is one entry of the corpus. ID is its ordinal position in the
// slice handed to Build.
type Document struct {
	ID      int    `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Posting records how often a term occurs in one document.
type Posting struct {
	DocID     int
	Frequency int
}

// PostingList is ordered by ascending DocID.
type PostingList []Posting
