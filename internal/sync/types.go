package sync

import (
	"encoding/json"
	"time"
)

// Change operations carried by the realtime feed.
const (
	OperationUpsert = "upsert"
	OperationDelete = "delete"
	// OperationResync is emitted by a feed client after reconnecting, when
	// events may have been missed.
	OperationResync = "resync"
)

// ChangeEvent is one entry of the per-table change feed.
type ChangeEvent struct {
	Sequence  int64     `json:"sequence"`
	Table     string    `json:"table"`
	Operation string    `json:"operation"`
	RecordID  string    `json:"record_id,omitempty"`
	OwnerID   string    `json:"owner_id"`
	SourceID  string    `json:"source_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordsResponse is the body of a record select.
type RecordsResponse struct {
	Records []json.RawMessage `json:"records"`
}

// RecordResponse is the body of a record upsert.
type RecordResponse struct {
	Record  json.RawMessage `json:"record"`
	Applied bool            `json:"applied"`
}

// WhoAmIResponse identifies the owner behind an API token.
type WhoAmIResponse struct {
	OwnerID string `json:"owner_id"`
}

// SourceHeader carries the writing device's source id on mutating requests.
const SourceHeader = "X-Source-ID"
