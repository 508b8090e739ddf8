package model

import "time"

type AttemptStatus string

const (
	AttemptAllowed AttemptStatus = "allowed" // sent
	AttemptDenied  AttemptStatus = "denied"
	AttemptFailed  AttemptStatus = "failed" // channel send failed
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) Valid() bool {
	return s == AttemptAllowed || s == AttemptDenied || s == AttemptFailed
}

type ReconcileStatus string

const (
	ReconcileNone    ReconcileStatus = "none"
	ReconcilePending ReconcileStatus = "pending"
	ReconcileDone    ReconcileStatus = "done"
	ReconcileFailed  ReconcileStatus = "failed"
)

func (s ReconcileStatus) String() string { return string(s) }

// DispatchAttempt is the journal row persisted in dispatch_attempts.
type DispatchAttempt struct {
	ID              string          `db:"id"`
	ClientID        int64           `db:"client_id"`
	RecipientKey    string          `db:"recipient_key"`
	Recipient       string          `db:"recipient"`
	RecordID        string          `db:"record_id"`
	Status          AttemptStatus   `db:"status"`
	DispatchID      string          `db:"dispatch_id"`
	ReconcileStatus ReconcileStatus `db:"reconcile_status"`
	Error           string          `db:"error"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}
