package pipeline

// Diagnostics is the explicit accumulator threaded through the stages.
// Per-record failures land here instead of aborting the run; the operator
// reads the report at run end to judge fitness for use.
type Diagnostics struct {
	RunKey     string `json:"run_key"`
	FinalStage Stage  `json:"final_stage"`

	// Cleaning.
	RawRecords      int      `json:"raw_records"`
	DroppedRecords  int      `json:"dropped_records"`
	DuplicateDrops  int      `json:"duplicate_drops"`
	MissingSources  []string `json:"missing_sources,omitempty"`
	MergedRows      int      `json:"merged_rows"`
	AmbiguousMerges int      `json:"ambiguous_merges"`

	// Enriching.
	CombinedRows       int   `json:"combined_rows"`
	GeocodedRows       int   `json:"geocoded_rows"`
	TravelTimedRows    int   `json:"travel_timed_rows"`
	EnrichmentFailures int   `json:"enrichment_failures"`
	EnrichmentTimeouts int   `json:"enrichment_timeouts"`
	CacheHits          int64 `json:"cache_hits"`
	CacheMisses        int64 `json:"cache_misses"`

	// Fatal path.
	SchemaViolation string `json:"schema_violation,omitempty"`
	TrainingError   string `json:"training_error,omitempty"`
}
