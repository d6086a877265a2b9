// Package actors drives the workflow services concurrently for the stress
// harness. Business rejections are expected under contention and only
// counted; the oracles decide whether the store stayed consistent.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"signflow/apperr"
	"signflow/expiration"
	"signflow/lifecycle"
	"signflow/signature"
	"signflow/signing"
)

// Services are the entry points the actors call.
type Services struct {
	Store    signature.Store
	Requests *lifecycle.Manager
	Signing  *signing.Coordinator
	Sweeper  *expiration.Sweeper
}

// Tally counts outcomes across actors.
type Tally struct {
	Created   atomic.Int64
	Signed    atomic.Int64
	Completed atomic.Int64
	Cancelled atomic.Int64
	Rejected  atomic.Int64
	Internal  atomic.Int64
	Sweeps    atomic.Int64
}

func (t *Tally) String() string {
	return fmt.Sprintf("created=%d signed=%d completed=%d cancelled=%d rejected=%d internal=%d sweeps=%d",
		t.Created.Load(), t.Signed.Load(), t.Completed.Load(), t.Cancelled.Load(),
		t.Rejected.Load(), t.Internal.Load(), t.Sweeps.Load())
}

func (t *Tally) classify(err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		t.Internal.Add(1)
		return
	}
	t.Rejected.Add(1)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Creator creates requests with 2 to 5 signers and hands their ids to out.
func Creator(ctx context.Context, svc Services, initiator signature.Actor, seed int64, out chan<- string, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for n := 0; !stopped(ctx, stop); n++ {
		in := lifecycle.CreateInput{
			DocumentRef:   fmt.Sprintf("doc-%s-%d", initiator.UserID, n),
			Title:         fmt.Sprintf("Stress %d", n),
			SigningOrder:  signature.OrderParallel,
			ExpiresInDays: 1 + 2*rng.Intn(2),
		}
		if rng.Intn(2) == 0 {
			in.SigningOrder = signature.OrderSequential
		}
		for i := 0; i < 2+rng.Intn(4); i++ {
			in.Signers = append(in.Signers, lifecycle.SignerInput{Email: fmt.Sprintf("s%d-%d-%d@example.com", seed, n, i)})
		}

		detail, err := svc.Requests.CreateRequest(ctx, initiator, in)
		if err != nil {
			tally.classify(err)
			pause(rng, 10, 20)
			continue
		}
		tally.Created.Add(1)

		select {
		case out <- detail.Request.ID:
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		}
		pause(rng, 10, 20)
	}
	return nil
}

// Signer takes request ids from in and races two sign attempts per signer,
// repeating rounds until the request closes or no attempt succeeds.
func Signer(ctx context.Context, svc Services, seed int64, in <-chan string, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		var id string
		select {
		case id = <-in:
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		}

		signers, err := svc.Store.ListSigners(ctx, id)
		if err != nil {
			tally.Internal.Add(1)
			continue
		}
		view := rng.Intn(2) == 0

		for round := 0; round < len(signers) && !stopped(ctx, stop); round++ {
			var progressed atomic.Bool
			var g errgroup.Group
			for _, s := range signers {
				for attempt := 0; attempt < 2; attempt++ {
					g.Go(func() error {
						actor := signature.Actor{Email: s.Email}
						if view && attempt == 0 {
							if _, err := svc.Signing.UpdateSignerStatus(ctx, s.ID, signature.SignerViewed, signing.StatusExtra{Actor: &actor}); err != nil {
								tally.classify(err)
							}
						}
						out, err := svc.Signing.Sign(ctx, signing.SignInput{
							RequestID:     id,
							SignerID:      s.ID,
							Actor:         actor,
							SignatureData: "stress " + s.Email,
							Method:        signing.MethodTyped,
						})
						if err != nil {
							tally.classify(err)
							return nil
						}
						progressed.Store(true)
						tally.Signed.Add(1)
						if out.Completed {
							tally.Completed.Add(1)
						}
						return nil
					})
				}
			}
			_ = g.Wait()
			if !progressed.Load() {
				break
			}
		}
	}
}

// Canceller cancels a random open request of the initiator now and then.
func Canceller(ctx context.Context, svc Services, initiator signature.Actor, seed int64, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		page, err := svc.Requests.ListRequests(ctx, initiator, lifecycle.ListParams{
			PageSize: 20,
			Statuses: signature.OpenRequestStatuses,
		})
		if err == nil && len(page.Items) > 0 && rng.Intn(4) == 0 {
			target := page.Items[rng.Intn(len(page.Items))]
			if _, err := svc.Requests.CancelRequest(ctx, target.ID, initiator, "stress"); err != nil {
				tally.classify(err)
			} else {
				tally.Cancelled.Add(1)
			}
		}
		pause(rng, 50, 100)
	}
	return nil
}

// Sweep runs the expiration sweep in a loop. Several Sweep actors may share
// one lease.
func Sweep(ctx context.Context, svc Services, seed int64, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		if _, ran, err := svc.Sweeper.RunOnce(ctx); err != nil {
			tally.Internal.Add(1)
		} else if ran {
			tally.Sweeps.Add(1)
		}
		pause(rng, 100, 200)
	}
	return nil
}

// OutboxWorker drains pending notifications with SKIP LOCKED, leaving a
// random tenth for the next pass.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			pause(rng, 50, 50)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(rng, 50, 50)
			continue
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rng.Intn(10) == 0 {
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		pause(rng, 100, 50)
	}
	return nil
}
