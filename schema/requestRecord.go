package schema

import "time"

// RequestStatus is the state of a deduplication record.
type RequestStatus string

const (
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
)

// RequestRecord is the ledger row that deduplicates a command or event by its id.
// Owner is the lease token of the execution currently allowed to complete it.
type RequestRecord struct {
	RequestID   string        `json:"request_id" bson:"request_id"`
	CommandType string        `json:"command_type" bson:"command_type"`
	Status      RequestStatus `json:"status" bson:"status"`
	Result      []byte        `json:"result,omitempty" bson:"result,omitempty"`
	Owner       string        `json:"owner" bson:"owner"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" bson:"updated_at"`
}

// IsCompleted reports whether the stored result is final.
func (r *RequestRecord) IsCompleted() bool {
	return r != nil && r.Status == RequestCompleted
}
