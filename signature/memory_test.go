package signature

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedRequest(t *testing.T, st Store, order SigningOrder, signers int) (Request, []Signer) {
	t.Helper()
	ctx := context.Background()

	req, err := st.InsertRequest(ctx, Request{
		DocumentRef:   "doc-1",
		InitiatorID:   "owner",
		Title:         "Lease",
		SignatureType: TypeMulti,
		SigningOrder:  order,
		Status:        RequestInitiated,
		TotalSigners:  signers,
		ExpiresAt:     t0.Add(72 * time.Hour),
		CreatedAt:     t0,
	})
	if err != nil {
		t.Fatalf("insert request: %v", err)
	}

	rows := make([]Signer, signers)
	for i := range rows {
		rows[i] = Signer{
			RequestID:    req.ID,
			Email:        fmt.Sprintf("s%d@example.com", i+1),
			SigningOrder: i + 1,
			CreatedAt:    t0,
		}
	}
	inserted, err := st.InsertSigners(ctx, rows)
	if err != nil {
		t.Fatalf("insert signers: %v", err)
	}
	return req, inserted
}

func record(at time.Time) SignatureRecord {
	return SignatureRecord{Data: "sig", Method: "typed", Hash: "h", SignedAt: at}
}

func TestMemoryCompleteSignerConcurrentParallel(t *testing.T) {
	st := NewMemoryStore()
	req, signers := seedRequest(t, st, OrderParallel, 8)

	var wg sync.WaitGroup
	errs := make([]error, len(signers))
	for i, s := range signers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, _, errs[i] = st.CompleteSigner(context.Background(), id, record(t0.Add(time.Minute)))
		}(i, s.ID)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("signer %d: %v", i, err)
		}
	}
	got, err := st.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CompletedSigners != 8 || got.Status != RequestCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed 8/8, got %d/%d status=%s", got.CompletedSigners, got.TotalSigners, got.Status)
	}
}

func TestMemoryCompleteSignerRejectsDoubleSign(t *testing.T) {
	st := NewMemoryStore()
	_, signers := seedRequest(t, st, OrderParallel, 2)

	if _, _, err := st.CompleteSigner(context.Background(), signers[0].ID, record(t0)); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	_, _, err := st.CompleteSigner(context.Background(), signers[0].ID, record(t0))
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	req, _ := st.GetRequest(context.Background(), signers[0].RequestID)
	if req.CompletedSigners != 1 || req.Status != RequestInProgress {
		t.Fatalf("counter moved on rejected sign: %+v", req)
	}
}

func TestMemoryCompleteSignerSequentialTurn(t *testing.T) {
	st := NewMemoryStore()
	_, signers := seedRequest(t, st, OrderSequential, 3)

	if _, _, err := st.CompleteSigner(context.Background(), signers[1].ID, record(t0)); !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("expected ErrOutOfTurn, got %v", err)
	}
	for _, s := range signers {
		if _, _, err := st.CompleteSigner(context.Background(), s.ID, record(t0)); err != nil {
			t.Fatalf("sign %d: %v", s.SigningOrder, err)
		}
	}
}

func TestMemoryCompleteSignerAfterExpiry(t *testing.T) {
	st := NewMemoryStore()
	req, signers := seedRequest(t, st, OrderParallel, 1)

	_, _, err := st.CompleteSigner(context.Background(), signers[0].ID, record(req.ExpiresAt))
	if !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}
}

func TestMemoryTransitionRequestClosesSigners(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	req, signers := seedRequest(t, st, OrderParallel, 3)

	if _, _, err := st.CompleteSigner(ctx, signers[0].ID, record(t0)); err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := st.TransitionRequest(ctx, RequestTransition{
		RequestID:      req.ID,
		From:           OpenRequestStatuses,
		To:             RequestCancelled,
		At:             t0.Add(time.Hour),
		CloseSignersAs: SignerCancelled,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != RequestCancelled || got.CancelledAt == nil {
		t.Fatalf("unexpected request: %+v", got)
	}

	list, _ := st.ListSigners(ctx, req.ID)
	if list[0].Status != SignerSigned {
		t.Errorf("signed signer must keep its status, got %s", list[0].Status)
	}
	for _, s := range list[1:] {
		if s.Status != SignerCancelled {
			t.Errorf("signer %d: expected cancelled, got %s", s.SigningOrder, s.Status)
		}
	}

	_, err = st.TransitionRequest(ctx, RequestTransition{RequestID: req.ID, From: OpenRequestStatuses, To: RequestExpired, At: t0})
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState on terminal request, got %v", err)
	}
}

func TestMemoryViewedCountsOnce(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	req, signers := seedRequest(t, st, OrderParallel, 1)

	if _, err := st.TransitionSigner(ctx, signers[0].ID, SignerSourcesFor(SignerViewed), SignerViewed, StatusChange{At: t0}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if _, err := st.TransitionSigner(ctx, signers[0].ID, SignerSourcesFor(SignerViewed), SignerViewed, StatusChange{At: t0}); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState on repeated view, got %v", err)
	}
	got, _ := st.GetRequest(ctx, req.ID)
	if got.ViewedSigners != 1 {
		t.Fatalf("expected viewed_signers=1, got %d", got.ViewedSigners)
	}
}

func TestMemoryListRequestsFilters(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := st.InsertRequest(ctx, Request{
			InitiatorID:  "owner",
			Title:        fmt.Sprintf("Contract %d", i),
			Status:       RequestInitiated,
			TotalSigners: 1,
			ExpiresAt:    t0.Add(time.Hour),
			CreatedAt:    t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, total, err := st.ListRequests(ctx, ListFilter{InitiatorID: "owner", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 || page[0].Title != "Contract 3" {
		t.Fatalf("unexpected page total=%d page=%v", total, page)
	}

	_, total, _ = st.ListRequests(ctx, ListFilter{Search: "contract 4"})
	if total != 1 {
		t.Fatalf("expected 1 search hit, got %d", total)
	}

	_, total, _ = st.ListRequests(ctx, ListFilter{IDs: []string{}})
	if total != 0 {
		t.Fatalf("empty id set must match nothing, got %d", total)
	}
}

func TestMemoryRecordWarningOnce(t *testing.T) {
	st := NewMemoryStore()
	first, _ := st.RecordWarning(context.Background(), "r1", 3, t0)
	second, _ := st.RecordWarning(context.Background(), "r1", 3, t0)
	other, _ := st.RecordWarning(context.Background(), "r1", 1, t0)
	if !first || second || !other {
		t.Fatalf("got first=%v second=%v other=%v", first, second, other)
	}
}

func TestMemoryDeleteRequestRemovesSigners(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	req, signers := seedRequest(t, st, OrderParallel, 2)

	if err := st.DeleteRequest(ctx, req.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetSigner(ctx, signers[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected signer removed, got %v", err)
	}
}
