package app

import (
	"testing"

	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/quota"
	"go.uber.org/zap"
)

func TestNewSerialization(t *testing.T) {
	l, b, err := NewSerialization(config.QuotaConfig{Serialization: "local"}, nil)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, ok := l.(*quota.LocalLocker); !ok {
		t.Fatalf("expected LocalLocker, got %T", l)
	}
	if _, ok := b.(*quota.MemoryBook); !ok {
		t.Fatalf("expected MemoryBook, got %T", b)
	}
	if _, _, err := NewSerialization(config.QuotaConfig{Serialization: "redis"}, nil); err == nil {
		t.Fatal("expected redis without client to fail")
	}
}

func TestNewLedger_RejectsBadBaseURL(t *testing.T) {
	if _, err := NewLedger(config.GraphConfig{BaseURL: "not a url"}, zap.NewNop()); err == nil {
		t.Fatal("expected invalid base url to fail")
	}
	l, err := NewLedger(config.GraphConfig{BaseURL: "https://graph.microsoft.com/v1.0", TokenURL: "https://login/%s/token", TenantID: "t1"}, zap.NewNop())
	if err != nil || l.Graph == nil || l.Credentials == nil {
		t.Fatalf("expected ledger, got %+v (%v)", l, err)
	}
}
