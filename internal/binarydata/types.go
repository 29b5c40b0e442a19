package binarydata

// InlineMode keeps payloads inside the execution data. It never has a backend.
const InlineMode = "default"

// BinaryData is a binary attachment on an execution item. Exactly one of Data
// (base64 payload) or ID (a "mode:backendKey" reference) is set.
type BinaryData struct {
	Data          string `json:"data,omitempty"`
	ID            string `json:"id,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
	FileName      string `json:"fileName,omitempty"`
	FileExtension string `json:"fileExtension,omitempty"`
	FileSize      string `json:"fileSize,omitempty"`
	Directory     string `json:"directory,omitempty"`
}

// HasReference reports whether the payload lives in a backend.
func (b *BinaryData) HasReference() bool {
	return b != nil && b.ID != ""
}

// ExecutionItem is one item flowing between nodes.
type ExecutionItem struct {
	JSON   map[string]any         `json:"json"`
	Binary map[string]*BinaryData `json:"binary,omitempty"`
}

// TaskSource points at the node output that fed a task run.
type TaskSource struct {
	PreviousNode       string `json:"previousNode"`
	PreviousNodeOutput int    `json:"previousNodeOutput,omitempty"`
	PreviousNodeRun    int    `json:"previousNodeRun,omitempty"`
}

// TaskData is a single run of a node. Data maps an output connection name to
// per-branch item batches; a nil batch means the branch produced nothing.
type TaskData struct {
	StartTime     int64                         `json:"startTime"`
	ExecutionTime int64                         `json:"executionTime"`
	Source        []*TaskSource                 `json:"source,omitempty"`
	Data          map[string][][]*ExecutionItem `json:"data,omitempty"`
}

// RunData maps a node name to its task runs in execution order.
type RunData map[string][]*TaskData

// ExecutionRecord is a persisted execution whose Data blob holds the
// serialized execution data.
type ExecutionRecord struct {
	ID   string
	Data []byte
}
