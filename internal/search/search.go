package search

// Result is a single space directory hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Snippet  string `json:"snippet"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Query describes a space directory search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over the space directory.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SpaceRecord is the data we index for a space.
type SpaceRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl"`
}
