package model

// Credential is a bearer token valid for a single pipeline run.
type Credential string

func (c Credential) String() string { return string(c) }

// ResourceHandle locates the ledger list on the remote site.
type ResourceHandle struct {
	SiteID string `json:"site_id"`
	ListID string `json:"list_id"`
}

// LedgerRecord is one per-recipient quota row of the remote list.
type LedgerRecord struct {
	RecordID          string `json:"record_id"`
	PhoneNumber       string `json:"phone_number"`
	TotalAllowance    int64  `json:"total_allowance"`
	ConsumedAllowance int64  `json:"consumed_allowance"`
	DisplayName       string `json:"display_name"`
	ETag              string `json:"etag,omitempty"` // empty when the server omits it
}

// Remaining is total minus consumed, floored at zero.
func (r LedgerRecord) Remaining() int64 {
	if r.ConsumedAllowance >= r.TotalAllowance {
		return 0
	}
	return r.TotalAllowance - r.ConsumedAllowance
}

// LedgerSnapshot is the ledger as fetched, in page order.
type LedgerSnapshot []LedgerRecord

// ReconciliationRequest carries the counter write-back for one successful dispatch.
type ReconciliationRequest struct {
	AttemptID    string         `json:"attempt_id"`
	RecordID     string         `json:"record_id"`
	RecipientKey string         `json:"recipient_key"`
	Handle       ResourceHandle `json:"handle"`
	BaseConsumed int64          `json:"base_consumed"`
	NewConsumed  int64          `json:"new_consumed"`
	ETag         string         `json:"etag,omitempty"`
}

// NewReconciliationRequest builds the +1 write-back for rec.
func NewReconciliationRequest(attemptID, key string, h ResourceHandle, rec LedgerRecord) ReconciliationRequest {
	return ReconciliationRequest{
		AttemptID:    attemptID,
		RecordID:     rec.RecordID,
		RecipientKey: key,
		Handle:       h,
		BaseConsumed: rec.ConsumedAllowance,
		NewConsumed:  rec.ConsumedAllowance + 1,
		ETag:         rec.ETag,
	}
}
