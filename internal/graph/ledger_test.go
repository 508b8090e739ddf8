package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

// fakeGraph serves a site, a list and a paged ledger.
type fakeGraph struct {
	mu      sync.Mutex
	srv     *httptest.Server
	pages   [][]map[string]any
	failAt  int // 1-based page that answers 500; 0 = never
	patches []map[string]any
	ifMatch []string
	etag    string
	auth    []string
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	f := &fakeGraph{etag: `"1"`}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGraph) base() string { return f.srv.URL + "/v1.0" }

func (f *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	p := strings.TrimPrefix(r.URL.Path, "/v1.0")
	w.Header().Set("Content-Type", "application/json")
	switch {
	case p == "/sites/contoso.sharepoint.com:/sites/ops":
		_, _ = io.WriteString(w, `{"id":"S1"}`)
	case p == "/sites/S1/lists/Quotas":
		_, _ = io.WriteString(w, `{"id":"L1"}`)
	case p == "/sites/S1/lists/Missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"itemNotFound","message":"List does not exist."}}`)
	case p == "/sites/S1/lists/L1/items" && r.Method == http.MethodGet:
		n := 1
		if v := r.URL.Query().Get("page"); v != "" {
			_, _ = fmt.Sscanf(v, "%d", &n)
		}
		if f.failAt == n {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body := map[string]any{"value": f.pages[n-1]}
		if n < len(f.pages) {
			body["@odata.nextLink"] = fmt.Sprintf("%s/sites/S1/lists/L1/items?page=%d", f.base(), n+1)
		}
		_ = json.NewEncoder(w).Encode(body)
	case strings.HasPrefix(p, "/sites/S1/lists/L1/items/") && r.Method == http.MethodPatch:
		im := r.Header.Get("If-Match")
		f.ifMatch = append(f.ifMatch, im)
		if im != "" && im != f.etag {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.patches = append(f.patches, body)
		_, _ = io.WriteString(w, `{}`)
	case strings.HasPrefix(p, "/sites/S1/lists/L1/items/") && r.Method == http.MethodGet:
		fmt.Fprintf(w, `{"id":"7","@odata.etag":%q,"fields":{"PhoneNumber":"+1555","TotalCounts":5,"ConsumedCounts":"3"}}`, f.etag)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func item(id, phone string, total, consumed int) map[string]any {
	return map[string]any{
		"id":          id,
		"@odata.etag": `"` + id + `,1"`,
		"fields": map[string]any{
			"Title":          "rec " + id,
			"PhoneNumber":    phone,
			"TotalCounts":    total,
			"ConsumedCounts": consumed,
		},
	}
}

func newTestClient(t *testing.T, f *fakeGraph) *Client {
	t.Helper()
	c, err := NewClient(f.base(), time.Second, WithHTTPClient(f.srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestResolve_SiteAndList(t *testing.T) {
	f := newFakeGraph(t)
	c := newTestClient(t, f)

	h, err := c.Resolve(context.Background(), "T", "contoso.sharepoint.com:/sites/ops", "Quotas")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.SiteID != "S1" || h.ListID != "L1" {
		t.Fatalf("unexpected handle %+v", h)
	}
	if f.auth[0] != "Bearer T" {
		t.Fatalf("expected bearer header, got %q", f.auth[0])
	}
}

func TestResolveList_NotFound(t *testing.T) {
	f := newFakeGraph(t)
	c := newTestClient(t, f)

	_, err := c.ResolveList(context.Background(), "T", "S1", "Missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != "itemNotFound" {
		t.Fatalf("expected graph error code, got %v", err)
	}
}

func TestFetchAll_FollowsContinuationLinks(t *testing.T) {
	f := newFakeGraph(t)
	f.pages = [][]map[string]any{
		{item("1", "+1001", 5, 0), item("2", "+1002", 5, 1)},
		{item("3", "+1003", 5, 2), item("4", "+1004", 5, 3)},
		{item("5", "+1005", 5, 4)},
	}
	c := newTestClient(t, f)

	snap, err := c.FetchAll(context.Background(), "T", model.ResourceHandle{SiteID: "S1", ListID: "L1"})
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(snap) != 5 {
		t.Fatalf("expected 5 records, got %d", len(snap))
	}
	for i, rec := range snap {
		want := fmt.Sprintf("%d", i+1)
		if rec.RecordID != want {
			t.Fatalf("expected record %s at %d, got %s", want, i, rec.RecordID)
		}
	}
	if snap[4].ConsumedAllowance != 4 || snap[4].TotalAllowance != 5 {
		t.Fatalf("unexpected counters %+v", snap[4])
	}
	if snap[0].ETag != `"1,1"` {
		t.Fatalf("expected etag to be kept, got %q", snap[0].ETag)
	}
}

func TestFetchAll_FailedPageDiscardsPartialResult(t *testing.T) {
	f := newFakeGraph(t)
	f.pages = [][]map[string]any{
		{item("1", "+1001", 5, 0)},
		{item("2", "+1002", 5, 0)},
	}
	f.failAt = 2
	c := newTestClient(t, f)

	snap, err := c.FetchAll(context.Background(), "T", model.ResourceHandle{SiteID: "S1", ListID: "L1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if snap != nil {
		t.Fatalf("expected no partial snapshot, got %d records", len(snap))
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500 error, got %v", err)
	}
}

func TestPager_LazyAndEOF(t *testing.T) {
	f := newFakeGraph(t)
	f.pages = [][]map[string]any{
		{item("1", "+1001", 5, 0), item("2", "+1002", 5, 0)},
		{item("3", "+1003", 5, 0)},
	}
	c := newTestClient(t, f)
	p := c.Pages("T", model.ResourceHandle{SiteID: "S1", ListID: "L1"})

	first, err := p.Next(context.Background())
	if err != nil || len(first) != 2 {
		t.Fatalf("expected first page of 2, got %d (%v)", len(first), err)
	}
	if p.PagesFetched() != 1 {
		t.Fatalf("expected 1 page fetched, got %d", p.PagesFetched())
	}
	second, err := p.Next(context.Background())
	if err != nil || len(second) != 1 {
		t.Fatalf("expected second page of 1, got %d (%v)", len(second), err)
	}
	if _, err := p.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestPager_RejectsForeignContinuationLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"value":[],"@odata.nextLink":"https://evil.example/steal"}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, time.Second, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.FetchAll(context.Background(), "T", model.ResourceHandle{SiteID: "S1", ListID: "L1"})
	if !errors.Is(err, ErrForeignNextLink) {
		t.Fatalf("expected ErrForeignNextLink, got %v", err)
	}
}

func TestUpdateConsumed_SendsIfMatchAndDetectsConflict(t *testing.T) {
	f := newFakeGraph(t)
	c := newTestClient(t, f)
	h := model.ResourceHandle{SiteID: "S1", ListID: "L1"}

	if err := c.UpdateConsumed(context.Background(), "T", h, "7", 5, `"1"`); err != nil {
		t.Fatalf("update: %v", err)
	}
	fields, _ := f.patches[0]["fields"].(map[string]any)
	if fields["ConsumedCounts"] != float64(5) {
		t.Fatalf("expected ConsumedCounts=5, got %v", fields["ConsumedCounts"])
	}

	err := c.UpdateConsumed(context.Background(), "T", h, "7", 6, `"stale"`)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if len(f.patches) != 1 {
		t.Fatalf("expected rejected patch not to apply, got %d patches", len(f.patches))
	}
}

func TestGetRecord_DecodesStringCounts(t *testing.T) {
	f := newFakeGraph(t)
	c := newTestClient(t, f)

	rec, err := c.GetRecord(context.Background(), "T", model.ResourceHandle{SiteID: "S1", ListID: "L1"}, "7")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.ConsumedAllowance != 3 || rec.TotalAllowance != 5 || rec.ETag != `"1"` {
		t.Fatalf("unexpected record %+v", rec)
	}
}
