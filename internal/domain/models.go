package domain

import "encoding/json"

// Document is one whole PDF submitted for extraction.
// ID is the 0-based submission index within its batch.
type Document struct {
	ID   int
	Name string
	Data []byte
}

// PartTag identifies a part of a document. PartIndex is dense: 0..total-1.
type PartTag struct {
	DocumentID int
	PartIndex  int
}

// PartResult is the decoded response of the extraction service for one part
type PartResult struct {
	Text      string
	Stage     string
	TimeTaken float64
	// Metadata holds every other field of the response (call identifiers, versions, ...)
	Metadata map[string]interface{}
}

// DocumentResult is the assembled output of a fully extracted document
type DocumentResult struct {
	DocumentID int
	Name       string
	Text       string
	Stage      string
	TimeTaken  float64
	Parts      int
	// Metadata is passed through from the part that completed the document
	Metadata map[string]interface{}
}

// MarshalJSON flattens passthrough metadata next to the fixed fields.
func (r *DocumentResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Metadata)+6)
	for k, v := range r.Metadata {
		out[k] = v
	}
	out["document_id"] = r.DocumentID
	out["text"] = r.Text
	out["stage"] = r.Stage
	out["time_taken"] = r.TimeTaken
	out["parts"] = r.Parts
	if r.Name != "" {
		out["name"] = r.Name
	}
	return json.Marshal(out)
}

// FailureStatus is the terminal state of a document that produced no result
type FailureStatus string

const (
	// FailureRejected means the document could not be split, no part was submitted
	FailureRejected FailureStatus = "rejected"
	// FailureIncomplete means at least one part failed or never finished
	FailureIncomplete FailureStatus = "incomplete"
)

// DocumentFailure describes a document that finished its batch without a result
type DocumentFailure struct {
	DocumentID   int           `json:"document_id"`
	Name         string        `json:"name,omitempty"`
	Status       FailureStatus `json:"status"`
	TotalParts   int           `json:"total_parts"`
	MissingParts []int         `json:"missing_parts,omitempty"`
	Error        string        `json:"error,omitempty"`
}
