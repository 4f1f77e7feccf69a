package headers

// headerRow is one stored header.
type headerRow struct {
	Network string `ch:"network"`
	Height  uint32 `ch:"height"`
	Hash    string `ch:"hash"`
	Header  string `ch:"header"`
}

// checkpointRow is the persisted sync checkpoint for one network. Timestamp
// orders rows for ReplacingMergeTree deduplication.
type checkpointRow struct {
	Network   string `ch:"network"`
	Height    uint32 `ch:"height"`
	Timestamp int64  `ch:"timestamp"`
}
