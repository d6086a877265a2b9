package expiration

import (
	"context"
	"fmt"
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

var now = time.Date(2026, 7, 10, 6, 0, 0, 0, time.UTC)

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

func (r *recordingNotifier) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newManager(st signature.Store, cfg config.Config) (*Manager, *recordingNotifier) {
	n := &recordingNotifier{}
	m := NewManager(st, audit.NewLogger(st, nil), n, cfg, nil).WithClock(func() time.Time { return now })
	return m, n
}

func seed(t *testing.T, st signature.Store, expiresAt time.Time, status signature.RequestStatus) signature.Request {
	t.Helper()
	ctx := context.Background()
	req, err := st.InsertRequest(ctx, signature.Request{
		InitiatorID:    owner.UserID,
		InitiatorEmail: owner.Email,
		Title:          "NDA",
		SigningOrder:   signature.OrderParallel,
		Status:         status,
		TotalSigners:   2,
		ExpiresAt:      expiresAt,
		CreatedAt:      now.AddDate(0, 0, -10),
	})
	require.NoError(t, err)
	_, err = st.InsertSigners(ctx, []signature.Signer{
		{RequestID: req.ID, Email: fmt.Sprintf("a-%s@example.com", req.ID), SigningOrder: 1},
		{RequestID: req.ID, Email: fmt.Sprintf("b-%s@example.com", req.ID), SigningOrder: 2},
	})
	require.NoError(t, err)
	return req
}

func TestCheckExpirationsExpiresOverdue(t *testing.T) {
	st := signature.NewMemoryStore()
	cfg := config.Default()
	cfg.Sweep.BatchSize = 2
	m, n := newManager(st, cfg)
	ctx := context.Background()

	var overdue []signature.Request
	for i := 0; i < 5; i++ {
		overdue = append(overdue, seed(t, st, now.Add(-time.Duration(i+1)*time.Hour), signature.RequestInitiated))
	}
	fresh := seed(t, st, now.AddDate(0, 0, 20), signature.RequestInProgress)
	done := seed(t, st, now.Add(-time.Hour), signature.RequestCompleted)

	res, err := m.CheckExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Checked)
	assert.Equal(t, 5, res.Expired)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 5, n.count(notify.TypeRequestExpired))

	for _, r := range overdue {
		got, err := st.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, signature.RequestExpired, got.Status)
		signers, err := st.ListSigners(ctx, r.ID)
		require.NoError(t, err)
		for _, s := range signers {
			assert.Equal(t, signature.SignerExpired, s.Status)
		}
	}

	got, _ := st.GetRequest(ctx, fresh.ID)
	assert.Equal(t, signature.RequestInProgress, got.Status)
	got, _ = st.GetRequest(ctx, done.ID)
	assert.Equal(t, signature.RequestCompleted, got.Status)
}

func TestCheckExpirationsIsIdempotent(t *testing.T) {
	st := signature.NewMemoryStore()
	m, n := newManager(st, config.Default())
	ctx := context.Background()

	seed(t, st, now.Add(-time.Minute), signature.RequestInitiated)

	first, err := m.CheckExpirations(ctx)
	require.NoError(t, err)
	second, err := m.CheckExpirations(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Expired)
	assert.Zero(t, second.Expired)
	assert.Zero(t, second.Checked)
	assert.Equal(t, 1, n.count(notify.TypeRequestExpired))
}

func TestCheckExpirationsConcurrentSweepsExpireOnce(t *testing.T) {
	st := signature.NewMemoryStore()
	m, n := newManager(st, config.Default())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		seed(t, st, now.Add(-time.Minute), signature.RequestInitiated)
	}

	var wg sync.WaitGroup
	results := make([]CheckResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.CheckExpirations(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Expired
		assert.Empty(t, r.Errors)
	}
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, n.count(notify.TypeRequestExpired))
}

func TestCheckExpirationsWarnings(t *testing.T) {
	st := signature.NewMemoryStore()
	m, n := newManager(st, config.Default())
	ctx := context.Background()

	soon := seed(t, st, now.Add(20*time.Hour), signature.RequestInitiated)
	seed(t, st, now.Add(60*time.Hour), signature.RequestInProgress)
	seed(t, st, now.AddDate(0, 0, 6), signature.RequestInitiated)
	seed(t, st, now.AddDate(0, 0, 9), signature.RequestInitiated)

	res, err := m.CheckExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.WarningsSent)
	assert.Equal(t, 3, n.count(notify.TypeRequestExpiring))

	again, err := m.CheckExpirations(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.WarningsSent, "a window is only warned once")

	recorded, err := st.RecordWarning(ctx, soon.ID, 1, now)
	require.NoError(t, err)
	assert.False(t, recorded, "the closest window was chosen for the request due in 20h")
}

func TestWindowFor(t *testing.T) {
	windows := []int{1, 3, 7}
	cases := []struct {
		remaining time.Duration
		want      int
		ok        bool
	}{
		{time.Hour, 1, true},
		{24 * time.Hour, 1, true},
		{25 * time.Hour, 3, true},
		{7 * 24 * time.Hour, 7, true},
		{8 * 24 * time.Hour, 0, false},
	}
	for _, tc := range cases {
		got, ok := windowFor(tc.remaining, windows)
		assert.Equal(t, tc.ok, ok, tc.remaining.String())
		assert.Equal(t, tc.want, got, tc.remaining.String())
	}
}

func TestExtendExpiration(t *testing.T) {
	ctx := context.Background()

	t.Run("extends forward", func(t *testing.T) {
		st := signature.NewMemoryStore()
		m, _ := newManager(st, config.Default())
		req := seed(t, st, now.AddDate(0, 0, 5), signature.RequestInitiated)

		got, err := m.ExtendExpiration(ctx, req.ID, owner, 10)
		require.NoError(t, err)
		assert.Equal(t, req.ExpiresAt.AddDate(0, 0, 10), got.ExpiresAt)

		entries, _ := st.ListAudit(ctx, req.ID)
		require.NotEmpty(t, entries)
		assert.Equal(t, audit.ActionExpiryExtended, entries[len(entries)-1].Action)
	})

	t.Run("range checked", func(t *testing.T) {
		st := signature.NewMemoryStore()
		m, _ := newManager(st, config.Default())
		req := seed(t, st, now.AddDate(0, 0, 5), signature.RequestInitiated)

		for _, d := range []int{0, -3, 91} {
			_, err := m.ExtendExpiration(ctx, req.ID, owner, d)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "days=%d", d)
		}
	})

	t.Run("lifetime cap", func(t *testing.T) {
		st := signature.NewMemoryStore()
		cfg := config.Default()
		cfg.Expiration.MaxDays = 30
		cfg.Expiration.MaxExtensionDays = 30
		m, _ := newManager(st, cfg)
		// created 10 days ago, expires in 15 days: lifetime 25 days.
		req := seed(t, st, now.AddDate(0, 0, 15), signature.RequestInitiated)

		_, err := m.ExtendExpiration(ctx, req.ID, owner, 6)
		assert.True(t, apperr.Is(err, apperr.KindValidation))

		got, err := m.ExtendExpiration(ctx, req.ID, owner, 5)
		require.NoError(t, err)
		assert.Equal(t, req.CreatedAt.AddDate(0, 0, 30), got.ExpiresAt)
	})

	t.Run("initiator only", func(t *testing.T) {
		st := signature.NewMemoryStore()
		m, _ := newManager(st, config.Default())
		req := seed(t, st, now.AddDate(0, 0, 5), signature.RequestInitiated)

		_, err := m.ExtendExpiration(ctx, req.ID, signature.Actor{UserID: "someone"}, 5)
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})

	t.Run("terminal request", func(t *testing.T) {
		st := signature.NewMemoryStore()
		m, _ := newManager(st, config.Default())
		req := seed(t, st, now.Add(-time.Hour), signature.RequestExpired)

		_, err := m.ExtendExpiration(ctx, req.ID, owner, 5)
		assert.True(t, apperr.Is(err, apperr.KindConflict))
	})

	t.Run("missing request", func(t *testing.T) {
		st := signature.NewMemoryStore()
		m, _ := newManager(st, config.Default())
		_, err := m.ExtendExpiration(ctx, "missing", owner, 5)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

type denyLocker struct{}

func (denyLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

func TestSweeperSkipsWithoutLease(t *testing.T) {
	st := signature.NewMemoryStore()
	m, _ := newManager(st, config.Default())
	seed(t, st, now.Add(-time.Minute), signature.RequestInitiated)

	_, ran, err := NewSweeper(m, denyLocker{}, time.Minute, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	res, ran, err := NewSweeper(m, nil, time.Minute, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, res.Expired)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	st := signature.NewMemoryStore()
	m, _ := newManager(st, config.Default())
	seed(t, st, now.Add(-time.Minute), signature.RequestInitiated)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan CheckResult, 1)
	go func() {
		_ = NewSweeper(m, nil, time.Hour, nil).Run(ctx, time.Hour, func(r CheckResult) { results <- r })
	}()

	select {
	case r := <-results:
		assert.Equal(t, 1, r.Expired)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not run")
	}
	cancel()
}
