package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

// Ledger column names on the remote list.
const (
	FieldTitle          = "Title"
	FieldPhoneNumber    = "PhoneNumber"
	FieldTotalCounts    = "TotalCounts"
	FieldConsumedCounts = "ConsumedCounts"
	FieldID             = "ID"
)

var ledgerFields = []string{FieldTitle, FieldConsumedCounts, FieldPhoneNumber, FieldTotalCounts, FieldID}

func expandQuery() string {
	return "$expand=fields($select=" + strings.Join(ledgerFields, ",") + ")"
}

type listItem struct {
	ID     string     `json:"id"`
	ETag   string     `json:"@odata.etag"`
	Fields itemFields `json:"fields"`
}

type itemFields struct {
	ID             flexString `json:"id"`
	Title          flexString `json:"Title"`
	PhoneNumber    flexString `json:"PhoneNumber"`
	TotalCounts    count      `json:"TotalCounts"`
	ConsumedCounts count      `json:"ConsumedCounts"`
}

func (it listItem) record() model.LedgerRecord {
	id := it.ID
	if id == "" {
		id = string(it.Fields.ID)
	}
	return model.LedgerRecord{
		RecordID:          id,
		PhoneNumber:       string(it.Fields.PhoneNumber),
		TotalAllowance:    int64(it.Fields.TotalCounts),
		ConsumedAllowance: int64(it.Fields.ConsumedCounts),
		DisplayName:       string(it.Fields.Title),
		ETag:              it.ETag,
	}
}

type itemsPage struct {
	Value    []listItem `json:"value"`
	NextLink string     `json:"@odata.nextLink"`
}

// Pager walks the ledger one page at a time. Next returns io.EOF once the
// server stops sending continuation links.
type Pager struct {
	c     *Client
	cred  model.Credential
	next  string
	pages int
}

// Pages starts a lazy walk over the ledger items of h.
func (c *Client) Pages(cred model.Credential, h model.ResourceHandle) *Pager {
	first := c.baseURL + "/sites/" + h.SiteID + "/lists/" + h.ListID + "/items?" + expandQuery()
	if c.pageSize > 0 {
		first += "&$top=" + strconv.Itoa(c.pageSize)
	}
	return &Pager{c: c, cred: cred, next: first}
}

// PagesFetched reports how many pages Next has returned so far.
func (p *Pager) PagesFetched() int { return p.pages }

func (p *Pager) Next(ctx context.Context) ([]model.LedgerRecord, error) {
	if p.next == "" {
		return nil, io.EOF
	}
	if err := p.c.sameHost(p.next); err != nil {
		p.next = ""
		return nil, err
	}

	var page itemsPage
	if err := p.c.do(ctx, p.cred, http.MethodGet, p.next, nil, nil, &page); err != nil {
		p.next = ""
		return nil, fmt.Errorf("fetch ledger page %d: %w", p.pages+1, err)
	}

	p.pages++
	metrics.LedgerPagesTotal.Inc()
	p.next = page.NextLink

	out := make([]model.LedgerRecord, 0, len(page.Value))
	for _, it := range page.Value {
		out = append(out, it.record())
	}
	p.c.log.Debug("ledger page fetched", zap.Int("page", p.pages), zap.Int("items", len(out)), zap.Bool("more", p.next != ""))
	return out, nil
}

// FetchAll materializes the whole ledger. Any failed page discards what was
// already collected.
func (c *Client) FetchAll(ctx context.Context, cred model.Credential, h model.ResourceHandle) (model.LedgerSnapshot, error) {
	p := c.Pages(cred, h)
	var snap model.LedgerSnapshot
	for {
		recs, err := p.Next(ctx)
		if err == io.EOF {
			return snap, nil
		}
		if err != nil {
			return nil, err
		}
		snap = append(snap, recs...)
	}
}

// GetRecord re-reads a single ledger item.
func (c *Client) GetRecord(ctx context.Context, cred model.Credential, h model.ResourceHandle, recordID string) (model.LedgerRecord, error) {
	u := c.itemURL(h, recordID) + "?" + expandQuery()
	var it listItem
	if err := c.do(ctx, cred, http.MethodGet, u, nil, nil, &it); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("get record %s: %w", recordID, err)
	}
	return it.record(), nil
}

// UpdateConsumed writes ConsumedCounts on one item. A non-empty etag is sent
// as If-Match; a changed record then fails with ErrPreconditionFailed.
func (c *Client) UpdateConsumed(ctx context.Context, cred model.Credential, h model.ResourceHandle, recordID string, value int64, etag string) error {
	body := map[string]any{
		"fields": map[string]any{FieldConsumedCounts: value},
	}
	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-Match": etag}
	}
	if err := c.do(ctx, cred, http.MethodPatch, c.itemURL(h, recordID), body, headers, nil); err != nil {
		return fmt.Errorf("update record %s: %w", recordID, err)
	}
	return nil
}

func (c *Client) itemURL(h model.ResourceHandle, recordID string) string {
	return c.baseURL + "/sites/" + h.SiteID + "/lists/" + h.ListID + "/items/" + url.PathEscape(recordID)
}

func (c *Client) sameHost(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse continuation link: %w", err)
	}
	if !strings.EqualFold(u.Host, c.host) {
		return fmt.Errorf("%w: %s", ErrForeignNextLink, u.Host)
	}
	return nil
}

// count decodes list number columns, which arrive as JSON numbers, numeric
// strings or null.
type count int64

func (n *count) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("ledger count %q: %w", s, err)
	}
	*n = count(math.Trunc(f))
	return nil
}

// flexString accepts a string, a number or null.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(b)
	return nil
}
