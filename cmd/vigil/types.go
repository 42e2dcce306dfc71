package main

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command    string `json:"command"`
	Results    any    `json:"results"`
	TotalCount *int   `json:"total_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CLIDiagnostic is a JSON-friendly diagnostic. Lines and columns are
// 1-based; file-level diagnostics carry no position.
type CLIDiagnostic struct {
	File        string `json:"file"`
	StartLine   int    `json:"start_line,omitempty"`
	StartCol    int    `json:"start_col,omitempty"`
	EndLine     int    `json:"end_line,omitempty"`
	EndCol      int    `json:"end_col,omitempty"`
	Severity    string `json:"severity"`
	Message     string `json:"message,omitempty"`
	Source      string `json:"source,omitempty"`
	FileLevel   bool   `json:"file_level,omitempty"`
	Zombie      bool   `json:"zombie,omitempty"`
	AttributeID string `json:"attribute_key,omitempty"`
}

// CLIFileReport groups the diagnostics of one checked file.
type CLIFileReport struct {
	File        string          `json:"file"`
	Language    string          `json:"language,omitempty"`
	Diagnostics []CLIDiagnostic `json:"diagnostics"`
}

// CLIGrave summarises one buried snapshot.
type CLIGrave struct {
	File          string `json:"file"`
	FormatVersion int    `json:"format_version"`
	ContentHash   string `json:"content_hash"`
	RecordCount   int    `json:"record_count"`
	Size          int    `json:"size"`
	BuriedAt      string `json:"buried_at"`
}

// CLIGraveRecord is one decoded grave record.
type CLIGraveRecord struct {
	Start         int32  `json:"start"`
	End           int32  `json:"end"`
	Layer         int32  `json:"layer"`
	TargetArea    string `json:"target_area"`
	AttributesKey string `json:"attributes_key,omitempty"`
	Literal       bool   `json:"literal,omitempty"`
	GutterIconURL string `json:"gutter_icon_url,omitempty"`
}

// CLIGraveDetail is a grave with its decoded records.
type CLIGraveDetail struct {
	CLIGrave
	Records []CLIGraveRecord `json:"records"`
}

// CLIClearResult reports how many graves were removed.
type CLIClearResult struct {
	Removed int64 `json:"removed"`
}

// CLIWatchEvent is one line of watch output.
type CLIWatchEvent struct {
	Event       string          `json:"event"`
	File        string          `json:"file"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	Diagnostics []CLIDiagnostic `json:"diagnostics,omitempty"`
}
