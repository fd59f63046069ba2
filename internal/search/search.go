package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultContract ResultType = "contract"
	ResultTriage   ResultType = "triage_item"
	ResultPatch    ResultType = "patch"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ContractID string     `json:"contractId"`
	DatasetID  string     `json:"datasetId"`
	Severity   string     `json:"severity,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterDatasetID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexContract(c ContractRecord) error
	IndexTriageItem(t TriageRecord) error
	IndexPatch(p PatchRecord) error
	DeleteContract(id string) error
	DeleteTriageItem(id string) error
}

// ContractRecord is the data we index for a contract.
type ContractRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FileURL    string `json:"fileUrl"`
	FirstSheet string `json:"firstSheet"`
	DatasetID  string `json:"datasetId"`
	Blockers   int    `json:"blockers"`
}

// TriageRecord is the data we index for a triage item.
type TriageRecord struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	Reason     string `json:"reason"`
	ContractID string `json:"contractId"`
	SheetName  string `json:"sheetName"`
	FieldName  string `json:"fieldName"`
	DatasetID  string `json:"datasetId"`
	Severity   string `json:"severity"`
	Status     string `json:"status"`
}

// PatchRecord is the data we index for a patch request.
type PatchRecord struct {
	ID          string `json:"id"`
	FieldName   string `json:"fieldName"`
	BeforeValue string `json:"beforeValue"`
	AfterValue  string `json:"afterValue"`
	ContractID  string `json:"contractId"`
	DatasetID   string `json:"datasetId"`
	Status      string `json:"status"`
}
