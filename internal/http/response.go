package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// KV is one entry of a scan response.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScanResponse lists the pairs of a range scan. Next is set when the
// result was cut at the limit and holds the key to resume from.
type ScanResponse struct {
	Status Status `json:"status"`
	Items  []KV   `json:"items"`
	Next   string `json:"next,omitempty"`
}

// CompactResponse reports a manual compaction.
type CompactResponse struct {
	Status         Status `json:"status"`
	InputTables    int    `json:"input_tables"`
	OutputTables   int    `json:"output_tables"`
	DroppedRecords uint64 `json:"dropped_records"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
