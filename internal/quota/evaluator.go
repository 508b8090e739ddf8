package quota

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

var (
	ErrRecipientNotFound  = errors.New("recipient not found in ledger")
	ErrAmbiguousRecipient = errors.New("recipient matches more than one ledger record")
)

// DuplicatePolicy decides what happens when several records share a phone number.
type DuplicatePolicy int

const (
	TakeFirst        DuplicatePolicy = iota // first in ledger order wins
	RejectDuplicates                        // ambiguous ledger state is an error
)

// ParseDuplicatePolicy normalizes input; empty => first.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return TakeFirst, true
	case "reject":
		return RejectDuplicates, true
	default:
		return TakeFirst, false
	}
}

func (p DuplicatePolicy) String() string {
	if p == RejectDuplicates {
		return "reject"
	}
	return "first"
}

func matches(rec model.LedgerRecord, key string) bool {
	return key != "" && strings.TrimSpace(rec.PhoneNumber) == key
}

// Evaluate returns the first record whose phone number equals key.
func Evaluate(snap model.LedgerSnapshot, key string) (model.LedgerRecord, error) {
	return EvaluateWith(snap, key, TakeFirst)
}

// EvaluateWith is Evaluate with an explicit duplicate policy.
func EvaluateWith(snap model.LedgerSnapshot, key string, policy DuplicatePolicy) (model.LedgerRecord, error) {
	key = strings.TrimSpace(key)

	var (
		found model.LedgerRecord
		hits  int
	)
	for _, rec := range snap {
		if !matches(rec, key) {
			continue
		}
		hits++
		if hits == 1 {
			found = rec
			if policy == TakeFirst {
				return found, nil
			}
			continue
		}
		return model.LedgerRecord{}, ErrAmbiguousRecipient
	}
	if hits == 0 {
		return model.LedgerRecord{}, ErrRecipientNotFound
	}
	return found, nil
}

// PageSource yields ledger pages until io.EOF.
type PageSource interface {
	Next(ctx context.Context) ([]model.LedgerRecord, error)
}

// Scan evaluates key against a lazy page source so only one page is held at a
// time. With TakeFirst it stops fetching at the first match.
func Scan(ctx context.Context, src PageSource, key string, policy DuplicatePolicy) (model.LedgerRecord, error) {
	key = strings.TrimSpace(key)

	var (
		found model.LedgerRecord
		hits  int
	)
	for {
		page, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.LedgerRecord{}, err
		}
		for _, rec := range page {
			if !matches(rec, key) {
				continue
			}
			hits++
			if hits > 1 {
				return model.LedgerRecord{}, ErrAmbiguousRecipient
			}
			found = rec
			if policy == TakeFirst {
				return found, nil
			}
		}
	}
	if hits == 0 {
		return model.LedgerRecord{}, ErrRecipientNotFound
	}
	return found, nil
}
