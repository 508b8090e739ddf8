package model

import "strings"

type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

func (d Decision) String() string { return string(d) }

func (d Decision) Valid() bool {
	return d == DecisionAllowed || d == DecisionDenied
}

// DispatchRequest is the inbound trigger. JSON names follow existing callers
// of the legacy /data route.
type DispatchRequest struct {
	PhoneNumberID   string `json:"PhoneNumberID"`   // outbound channel endpoint id
	From            string `json:"from"`            // ledger lookup key
	To              string `json:"to"`              // recipient address
	Token           string `json:"token"`           // outbound channel bearer
	MessageTemplate string `json:"MessageTemplate"` // message body, passed through
}

// Normalize trims surrounding whitespace on the identifiers. The message body
// is sent as given.
func (r DispatchRequest) Normalize() DispatchRequest {
	return DispatchRequest{
		PhoneNumberID:   strings.TrimSpace(r.PhoneNumberID),
		From:            strings.TrimSpace(r.From),
		To:              strings.TrimSpace(r.To),
		Token:           strings.TrimSpace(r.Token),
		MessageTemplate: r.MessageTemplate,
	}
}

// Missing returns the JSON names of required fields that are empty.
func (r DispatchRequest) Missing() []string {
	var out []string
	if r.PhoneNumberID == "" {
		out = append(out, "PhoneNumberID")
	}
	if r.From == "" {
		out = append(out, "from")
	}
	if r.To == "" {
		out = append(out, "to")
	}
	if r.Token == "" {
		out = append(out, "token")
	}
	if strings.TrimSpace(r.MessageTemplate) == "" {
		out = append(out, "MessageTemplate")
	}
	return out
}

// OutboundMessage is what the gate hands to the channel.
type OutboundMessage struct {
	PhoneNumberID string
	To            string
	Body          string
	Token         string
}

// DispatchResult is the typed outcome returned to the caller.
type DispatchResult struct {
	AttemptID  string   `json:"attempt_id"`
	Decision   Decision `json:"decision"`
	DispatchID string   `json:"dispatch_id,omitempty"`
	RecordID   string   `json:"record_id,omitempty"`
	Consumed   int64    `json:"consumed"`
	Total      int64    `json:"total"`
}
