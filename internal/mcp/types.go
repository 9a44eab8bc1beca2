package mcp

// --- Tool Arguments ---

type SearchImagesArgs struct {
	Query     string  `json:"query" jsonschema:"Free-text description of the images to find"`
	Limit     int     `json:"limit,omitempty" jsonschema:"Max number of candidates to consider (default 50)"`
	Threshold *float64 `json:"threshold,omitempty" jsonschema:"Maximum distance for a match; lower is stricter, 0 keeps exact matches only (default 0.8)"`
}

type SearchVectorArgs struct {
	Embedding []float32 `json:"embedding" jsonschema:"Query embedding with the collection's dimensionality"`
	Limit     int       `json:"limit,omitempty" jsonschema:"Number of results (default 10)"`
	Ef        int       `json:"ef,omitempty" jsonschema:"Search beam width; 0 uses the collection default"`
}

type RecordIDArgs struct {
	ID uint64 `json:"id" jsonschema:"Record id"`
}

type StatsArgs struct{}

// --- Tool Results ---

type Match struct {
	ID    uint64  `json:"id"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

type SearchResult struct {
	Matches            []Match `json:"matches"`
	NumVectorsSearched int     `json:"num_vectors_searched"`
	TimeTakenMillis    int64   `json:"time_taken_millis"`
}

type RecordResult struct {
	ID         uint64 `json:"id"`
	Key        string `json:"key"`
	Dimensions int    `json:"dimensions"`
}

type RemoveResult struct {
	Removed bool `json:"removed"`
}

type StatsResult struct {
	Count      int    `json:"count"`
	Dimensions int    `json:"dimensions"`
	Metric     string `json:"metric"`
	Backend    string `json:"backend"`
	Index      string `json:"index"`
	MaxLevel   int    `json:"max_level"`
}
