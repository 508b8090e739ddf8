package repository

import (
	"strings"
	"testing"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

func TestBuildListQuery_Filters(t *testing.T) {
	q, args := buildListQuery(3, AttemptFilter{RecipientKey: "+1555", Status: model.AttemptDenied, Limit: 10, Offset: 20})
	if !strings.Contains(q, "status = ?") || !strings.Contains(q, "recipient_key = ?") {
		t.Fatalf("expected both filters in query: %s", q)
	}
	want := []any{int64(3), "denied", "+1555", 10, 20}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %v", len(want), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d: expected %v, got %v", i, want[i], args[i])
		}
	}
}

func TestBuildListQuery_ClampsPaging(t *testing.T) {
	q, args := buildListQuery(1, AttemptFilter{Limit: 5000, Offset: -1})
	if strings.Contains(q, "status = ?") || strings.Contains(q, "recipient_key = ?") {
		t.Fatalf("expected no optional filters: %s", q)
	}
	if args[1] != 50 || args[2] != 0 {
		t.Fatalf("expected limit 50 offset 0, got %v", args[1:])
	}
}
