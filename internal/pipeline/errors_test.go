package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/quota"
)

type credFunc func(context.Context) (model.Credential, error)

func (f credFunc) Acquire(ctx context.Context) (model.Credential, error) { return f(ctx) }

type resolverFunc func() (model.ResourceHandle, error)

func (f resolverFunc) Resolve(context.Context, model.Credential, string, string) (model.ResourceHandle, error) {
	return f()
}

type pagesFunc func() ([]model.LedgerRecord, error)

func (f pagesFunc) Next(context.Context) ([]model.LedgerRecord, error) { return f() }

type lockerFunc func() (func(), error)

func (f lockerFunc) Acquire(context.Context, string) (func(), error) { return f() }

type nopSender struct{}

func (nopSender) SendText(context.Context, model.OutboundMessage) (string, error) { return "id", nil }

func fakeDeps() Deps {
	return Deps{
		Credentials: credFunc(func(context.Context) (model.Credential, error) { return "T", nil }),
		Resolver: resolverFunc(func() (model.ResourceHandle, error) {
			return model.ResourceHandle{SiteID: "S1", ListID: "L1"}, nil
		}),
		Pages: func(model.Credential, model.ResourceHandle) quota.PageSource {
			return pagesFunc(func() ([]model.LedgerRecord, error) { return nil, errors.New("500") })
		},
		Sender:     nopSender{},
		Locker:     quota.NewLocalLocker(),
		Book:       quota.NewMemoryBook(),
		Reconciler: &countingReconciler{},
	}
}

func TestRun_ErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Deps)
		want   error
	}{
		{
			name: "token endpoint rejects",
			mutate: func(d *Deps) {
				d.Credentials = credFunc(func(context.Context) (model.Credential, error) { return "", errors.New("401") })
			},
			want: ErrAuthFailure,
		},
		{
			name: "list missing",
			mutate: func(d *Deps) {
				d.Resolver = resolverFunc(func() (model.ResourceHandle, error) { return model.ResourceHandle{}, errors.New("404") })
			},
			want: ErrResourceNotFound,
		},
		{
			name:   "ledger page fails",
			mutate: func(*Deps) {},
			want:   ErrFetchFailure,
		},
		{
			name: "lock backend down",
			mutate: func(d *Deps) {
				d.Locker = lockerFunc(func() (func(), error) { return nil, errors.New("redis down") })
			},
			want: ErrSerializationFailure,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := fakeDeps()
			tc.mutate(&d)
			_, err := New(d, Settings{}).Run(context.Background(), 1, dispatch)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if errors.Is(err, ErrChannelSendFailure) {
				t.Fatalf("kinds must not overlap: %v", err)
			}
		})
	}
}

func TestRun_AmbiguousRecipientUnderRejectPolicy(t *testing.T) {
	d := fakeDeps()
	d.Pages = func(model.Credential, model.ResourceHandle) quota.PageSource {
		return &onePage{recs: []model.LedgerRecord{
			{RecordID: "1", PhoneNumber: "+1555", TotalAllowance: 5},
			{RecordID: "2", PhoneNumber: "+1555", TotalAllowance: 5},
		}}
	}
	_, err := New(d, Settings{DuplicatePolicy: quota.RejectDuplicates}).Run(context.Background(), 1, dispatch)
	if !errors.Is(err, ErrAmbiguousRecipient) {
		t.Fatalf("expected ErrAmbiguousRecipient, got %v", err)
	}

	res, err := New(d, Settings{}).Run(context.Background(), 1, dispatch)
	if err != nil || res.RecordID != "1" {
		t.Fatalf("expected first record under default policy, got %+v (%v)", res, err)
	}
}

type onePage struct {
	recs []model.LedgerRecord
	done bool
}

func (p *onePage) Next(context.Context) ([]model.LedgerRecord, error) {
	if p.done {
		return nil, io.EOF
	}
	p.done = true
	return p.recs, nil
}

func TestKindOf(t *testing.T) {
	err := fail(KindFetchFailure, "fetch ledger", errors.New("boom"))
	k, ok := KindOf(err)
	if !ok || k != KindFetchFailure {
		t.Fatalf("expected fetch_failure, got %q", k)
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("expected no kind for plain errors")
	}
	if err.Error() != "fetch ledger: fetch_failure: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
