package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signflow/apperr"
	"signflow/audit"
	"signflow/config"
	"signflow/notify"
	"signflow/signature"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

var owner = signature.Actor{UserID: "owner", Email: "owner@example.com"}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type brokenSigners struct {
	*signature.MemoryStore
}

func (brokenSigners) InsertSigners(context.Context, []signature.Signer) ([]signature.Signer, error) {
	return nil, errors.New("connection reset")
}

func newManager(t *testing.T, st signature.Store) (*Manager, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	seq := 0
	m := NewManager(st, audit.NewLogger(st, nil), n, config.Default(), nil).
		WithClock(func() time.Time { return now }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		})
	return m, n
}

func input(order signature.SigningOrder, emails ...string) CreateInput {
	in := CreateInput{
		DocumentRef:  "s3://docs/lease.pdf",
		Title:        "Lease",
		SigningOrder: order,
	}
	for _, e := range emails {
		in.Signers = append(in.Signers, SignerInput{Email: e})
	}
	return in
}

func TestCreateRequest(t *testing.T) {
	st := signature.NewMemoryStore()
	m, n := newManager(t, st)

	d, err := m.CreateRequest(context.Background(), owner, input(signature.OrderSequential, "a@example.com", " b@example.com "))
	require.NoError(t, err)

	assert.Equal(t, signature.RequestInitiated, d.Request.Status)
	assert.Equal(t, signature.TypeMulti, d.Request.SignatureType)
	assert.Equal(t, 2, d.Request.TotalSigners)
	assert.Equal(t, 0, d.Request.CompletedSigners)
	assert.Equal(t, now.AddDate(0, 0, 30), d.Request.ExpiresAt)
	require.Len(t, d.Signers, 2)
	assert.Equal(t, 1, d.Signers[0].SigningOrder)
	assert.Equal(t, 2, d.Signers[1].SigningOrder)
	assert.Equal(t, "b@example.com", d.Signers[1].Email)

	require.Len(t, n.events, 1)
	assert.Equal(t, notify.TypeSignatureRequested, n.events[0].Type)
	require.Len(t, n.events[0].Recipients, 1, "sequential requests notify only the first signer")
	assert.Equal(t, "a@example.com", n.events[0].Recipients[0].Email)

	entries, err := st.ListAudit(context.Background(), d.Request.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRequestCreated, entries[0].Action)
}

func TestCreateRequestSingleSignerDefaults(t *testing.T) {
	m, n := newManager(t, signature.NewMemoryStore())

	in := input("", "solo@example.com")
	in.ExpiresInDays = 5
	d, err := m.CreateRequest(context.Background(), owner, in)
	require.NoError(t, err)
	assert.Equal(t, signature.TypeSingle, d.Request.SignatureType)
	assert.Equal(t, signature.OrderParallel, d.Request.SigningOrder)
	assert.Equal(t, now.AddDate(0, 0, 5), d.Request.ExpiresAt)
	require.Len(t, n.events, 1)
}

func TestCreateRequestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateInput)
		want   string
	}{
		{"no signers", func(in *CreateInput) { in.Signers = nil }, "signers"},
		{"bad email", func(in *CreateInput) { in.Signers[0].Email = "nope" }, "signers[0].email"},
		{"missing title", func(in *CreateInput) { in.Title = "  " }, "title"},
		{"duplicate email", func(in *CreateInput) { in.Signers[1].Email = "A@example.com" }, "duplicate signer"},
		{"duplicate order", func(in *CreateInput) {
			in.Signers[0].SigningOrder = 2
		}, "duplicate order"},
		{"single with two", func(in *CreateInput) { in.SignatureType = signature.TypeSingle }, "exactly one signer"},
		{"expiry too long", func(in *CreateInput) { in.ExpiresInDays = 400 }, "expires_in_days"},
		{"bad order", func(in *CreateInput) { in.SigningOrder = "random" }, "signing_order"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := signature.NewMemoryStore()
			m, _ := newManager(t, st)
			in := input(signature.OrderParallel, "a@example.com", "b@example.com")
			tc.mutate(&in)

			_, err := m.CreateRequest(context.Background(), owner, in)
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.KindValidation, e.Kind)
			joined := strings.Join(e.Details["violations"].([]string), "\n")
			assert.Contains(t, joined, tc.want)

			_, total, _ := st.ListRequests(context.Background(), signature.ListFilter{})
			assert.Zero(t, total, "nothing is persisted on validation failure")
		})
	}
}

func TestCreateRequestTooManySigners(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.MaxSignersPerRequest = 2
	st := signature.NewMemoryStore()
	m := NewManager(st, nil, nil, cfg, nil)

	_, err := m.CreateRequest(context.Background(), owner, input(signature.OrderParallel, "a@x.io", "b@x.io", "c@x.io"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCreateRequestCompensatesFailedSignerInsert(t *testing.T) {
	st := brokenSigners{signature.NewMemoryStore()}
	m, n := newManager(t, st)

	_, err := m.CreateRequest(context.Background(), owner, input(signature.OrderParallel, "a@example.com"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInternal))
	assert.ErrorContains(t, err, "connection reset")

	_, total, _ := st.ListRequests(context.Background(), signature.ListFilter{})
	assert.Zero(t, total, "request row must be removed")
	assert.Empty(t, n.events)
}

func TestGetRequestAccess(t *testing.T) {
	st := signature.NewMemoryStore()
	m, _ := newManager(t, st)
	ctx := context.Background()

	d, err := m.CreateRequest(ctx, owner, input(signature.OrderParallel, "Signer@Example.com"))
	require.NoError(t, err)

	_, err = m.GetRequest(ctx, d.Request.ID, owner)
	require.NoError(t, err)

	got, err := m.GetRequest(ctx, d.Request.ID, signature.Actor{UserID: "u-9", Email: "signer@example.com"})
	require.NoError(t, err)
	assert.Len(t, got.Signers, 1)

	_, err = m.GetRequest(ctx, d.Request.ID, signature.Actor{UserID: "stranger"})
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = m.GetRequest(ctx, "missing", owner)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListRequestsViews(t *testing.T) {
	st := signature.NewMemoryStore()
	m, _ := newManager(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.CreateRequest(ctx, owner, input(signature.OrderParallel, "shared@example.com"))
		require.NoError(t, err)
	}
	other := signature.Actor{UserID: "other", Email: "other@example.com"}
	_, err := m.CreateRequest(ctx, other, input(signature.OrderParallel, "someone@example.com"))
	require.NoError(t, err)

	sent, err := m.ListRequests(ctx, owner, ListParams{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, sent.Total)
	assert.Len(t, sent.Items, 2)
	assert.Equal(t, 2, sent.TotalPages)

	received, err := m.ListRequests(ctx, signature.Actor{Email: "SHARED@example.com"}, ListParams{View: ViewReceived})
	require.NoError(t, err)
	assert.Equal(t, 3, received.Total)

	none, err := m.ListRequests(ctx, signature.Actor{Email: "nobody@example.com"}, ListParams{View: ViewReceived})
	require.NoError(t, err)
	assert.Zero(t, none.Total)
	assert.NotNil(t, none.Items)

	clamped, err := m.ListRequests(ctx, owner, ListParams{PageSize: 10_000})
	require.NoError(t, err)
	assert.Equal(t, config.Default().Limits.MaxPageSize, clamped.PageSize)

	past, err := m.ListRequests(ctx, owner, ListParams{Page: 50, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, past.Items)
	assert.Equal(t, 3, past.Total)

	_, err = m.ListRequests(ctx, owner, ListParams{Page: math.MaxInt, PageSize: 2})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = m.ListRequests(ctx, owner, ListParams{Page: math.MaxInt32})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = m.ListRequests(ctx, owner, ListParams{View: "archived"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = m.ListRequests(ctx, owner, ListParams{Statuses: []signature.RequestStatus{"bogus"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestUpdateRequest(t *testing.T) {
	st := signature.NewMemoryStore()
	m, _ := newManager(t, st)
	ctx := context.Background()

	d, err := m.CreateRequest(ctx, owner, input(signature.OrderParallel, "a@example.com"))
	require.NoError(t, err)

	title := "Lease v2"
	got, err := m.UpdateRequest(ctx, d.Request.ID, owner, UpdateInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Lease v2", got.Title)

	_, err = m.UpdateRequest(ctx, d.Request.ID, signature.Actor{UserID: "intruder"}, UpdateInput{Title: &title})
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	blank := " "
	_, err = m.UpdateRequest(ctx, d.Request.ID, owner, UpdateInput{Title: &blank})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = m.CancelRequest(ctx, d.Request.ID, owner, "")
	require.NoError(t, err)
	_, err = m.UpdateRequest(ctx, d.Request.ID, owner, UpdateInput{Title: &title})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestCancelRequestCascadesToSigners(t *testing.T) {
	st := signature.NewMemoryStore()
	m, n := newManager(t, st)
	ctx := context.Background()

	d, err := m.CreateRequest(ctx, owner, input(signature.OrderParallel, "a@example.com", "b@example.com"))
	require.NoError(t, err)
	_, _, err = st.CompleteSigner(ctx, d.Signers[0].ID, signature.SignatureRecord{Data: "x", Method: "typed", SignedAt: now})
	require.NoError(t, err)

	got, err := m.CancelRequest(ctx, d.Request.ID, owner, "terms changed")
	require.NoError(t, err)
	assert.Equal(t, signature.RequestCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	signers, err := st.ListSigners(ctx, d.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, signature.SignerSigned, signers[0].Status)
	assert.Equal(t, signature.SignerExpired, signers[1].Status)

	last := n.events[len(n.events)-1]
	assert.Equal(t, notify.TypeRequestCancelled, last.Type)
	require.Len(t, last.Recipients, 1)
	assert.Equal(t, "b@example.com", last.Recipients[0].Email)

	_, err = m.CancelRequest(ctx, d.Request.ID, owner, "again")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestCancelCompletedRequestIsConflict(t *testing.T) {
	st := signature.NewMemoryStore()
	m, _ := newManager(t, st)
	ctx := context.Background()

	d, err := m.CreateRequest(ctx, owner, input(signature.OrderParallel, "a@example.com"))
	require.NoError(t, err)
	_, _, err = st.CompleteSigner(ctx, d.Signers[0].ID, signature.SignatureRecord{Data: "x", Method: "typed", SignedAt: now})
	require.NoError(t, err)

	_, err = m.CancelRequest(ctx, d.Request.ID, owner, "")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestDeleteRequest(t *testing.T) {
	st := signature.NewMemoryStore()
	m, _ := newManager(t, st)
	ctx := context.Background()

	d, err := m.CreateRequest(ctx, owner, input(signature.OrderParallel, "a@example.com", "b@example.com"))
	require.NoError(t, err)
	require.NoError(t, m.DeleteRequest(ctx, d.Request.ID, owner))

	got, err := st.GetRequest(ctx, d.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, signature.RequestCancelled, got.Status)
	signers, _ := st.ListSigners(ctx, d.Request.ID)
	for _, s := range signers {
		assert.Equal(t, signature.SignerCancelled, s.Status)
	}

	signed, err := m.CreateRequest(ctx, owner, input(signature.OrderParallel, "a@example.com", "b@example.com"))
	require.NoError(t, err)
	_, _, err = st.CompleteSigner(ctx, signed.Signers[0].ID, signature.SignatureRecord{Data: "x", Method: "typed", SignedAt: now})
	require.NoError(t, err)
	err = m.DeleteRequest(ctx, signed.Request.ID, owner)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}
