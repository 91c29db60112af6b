package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
)

// Request names one missing key: who, which kind, which temporal frame.
type Request struct {
	Identity uint64
	Kind     store.KeyKind
	Frame    uint64
}

func (r Request) track() string {
	return fmt.Sprintf("%d.%d", r.Identity, r.Kind)
}

// Coordinator runs the per-(identity, kind) state machine
// Idle -> Requested -> {Obtained, NeedsRetry, NeedsTwoPhaseClaim}.
// Claim and fetch backoff are independent tracks.
type Coordinator struct {
	log   utils.Logger
	store *store.Store
	auth  Authority
	hub   *utils.Hub

	// pending dedups concurrently-requested keys: one entry per
	// (identity, kind, frame), valued with its next attempt time.
	// Bounded by maxPending; asks beyond the bound are shed.
	pending *xsync.MapOf[Request, time.Time]

	fetchBackoff *utils.BackoffSet
	claimBackoff *utils.BackoffSet

	wake       utils.Signal
	netChanged utils.Signal

	fetches *prometheus.CounterVec
}

func NewCoordinator(log utils.Logger, st *store.Store, auth Authority, hub *utils.Hub) *Coordinator {
	return &Coordinator{
		log:          log,
		store:        st,
		auth:         auth,
		hub:          hub,
		pending:      xsync.NewMapOf[Request, time.Time](),
		fetchBackoff: utils.NewBackoffSet(),
		claimBackoff: utils.NewBackoffSet(),
		wake:         utils.NewSignal(),
		netChanged:   hub.Subscribe(utils.SigNetworkChanged),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "musubi_key_fetches_total",
			Help: "Key fetch attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

func (c *Coordinator) Describe(ch chan<- *prometheus.Desc) { c.fetches.Describe(ch) }
func (c *Coordinator) Collect(ch chan<- prometheus.Metric) { c.fetches.Collect(ch) }

// maxPending bounds the dedup set. The pipelines re-ask on every
// backlog scan, so a request shed here is only delayed, never lost.
const maxPending = 4096

// Ask schedules a key fetch. Duplicate asks for the same key coalesce
// into the already-pending request.
func (c *Coordinator) Ask(r Request) {
	if _, err := c.store.GetUserKey(r.Identity, r.Kind, r.Frame); err == nil {
		c.hub.Raise(utils.SigKeysChanged)
		return
	}
	if _, ok := c.pending.Load(r); ok {
		return
	}
	if c.pending.Size() >= maxPending {
		c.log.Warn("keys: pending set full, shedding ask",
			"identity", r.Identity, "kind", r.Kind.String(), "frame", r.Frame)
		return
	}
	if _, loaded := c.pending.LoadOrStore(r, time.Now()); !loaded {
		c.wake.Raise()
	}
}

// Run is the coordinator's sequential worker loop.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		now := time.Now()
		var due []Request
		var earliest time.Time
		c.pending.Range(func(r Request, at time.Time) bool {
			if !at.After(now) {
				due = append(due, r)
			} else if earliest.IsZero() || at.Before(earliest) {
				earliest = at
			}
			return true
		})

		for _, r := range due {
			c.process(ctx, r)
		}
		if len(due) > 0 {
			continue // the attempts above may have rescheduled work
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if !earliest.IsZero() {
			timer = time.NewTimer(time.Until(earliest))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.wake.Wait():
		case <-c.netChanged.Wait():
			c.fetchBackoff.ResetAll()
			c.claimBackoff.ResetAll()
			c.pending.Range(func(r Request, _ time.Time) bool {
				c.pending.Store(r, time.Now())
				return true
			})
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *Coordinator) process(ctx context.Context, r Request) {
	var raw []byte
	var err error
	switch r.Kind {
	case store.KeyEncryption:
		raw, err = c.auth.EncryptionKey(ctx, c.identityHash(r.Identity), r.Frame)
	case store.KeySignature:
		raw, err = c.auth.SignatureKey(ctx, c.identityHash(r.Identity), r.Frame)
	default:
		c.pending.Delete(r)
		return
	}

	switch {
	case err == nil:
		c.obtained(r, raw)

	case errors.Is(err, ErrRetryable):
		delay := c.fetchBackoff.Next(r.track())
		c.pending.Store(r, time.Now().Add(delay))
		c.fetches.WithLabelValues(r.Kind.String(), "retry").Inc()
		c.log.Warn("keys: fetch failed, backing off", "identity", r.Identity,
			"kind", r.Kind.String(), "delay", delay, "err", err)

	case errors.Is(err, ErrTwoPhase):
		c.claim(ctx, r)

	default:
		// terminal: abandon until an external retrigger re-asks
		c.pending.Delete(r)
		c.fetches.WithLabelValues(r.Kind.String(), "terminal").Inc()
		c.log.Error("keys: fetch abandoned", "identity", r.Identity,
			"kind", r.Kind.String(), "err", err)
	}
}

func (c *Coordinator) obtained(r Request, raw []byte) {
	b := c.store.Batch()
	defer b.Close()

	err := c.store.PutUserKey(b, &store.UserKey{
		Identity: r.Identity, Kind: r.Kind, Frame: r.Frame, Raw: raw,
	})
	if err == nil && c.otherKindPresent(r) {
		err = c.store.DeleteClaim(b, r.Identity, r.Frame)
	}
	if err == nil {
		err = c.store.Commit(b)
	}
	if err != nil {
		c.log.Error("keys: persist failed", "identity", r.Identity, "err", err)
		c.pending.Store(r, time.Now().Add(c.fetchBackoff.Next(r.track())))
		return
	}

	c.pending.Delete(r)
	c.fetchBackoff.Reset(r.track())
	c.fetches.WithLabelValues(r.Kind.String(), "ok").Inc()
	c.hub.Raise(utils.SigKeysChanged)
}

func (c *Coordinator) otherKindPresent(r Request) bool {
	other := store.KeyEncryption
	if r.Kind == store.KeyEncryption {
		other = store.KeySignature
	}
	_, err := c.store.GetUserKey(r.Identity, other, r.Frame)
	return err == nil
}

// claim runs the two-phase sub-flow: create or reuse the pending-claim
// record, then issue the claim. Claim failures back off on their own
// track, independent of the fetch track.
func (c *Coordinator) claim(ctx context.Context, r Request) {
	pc, err := c.store.GetClaim(r.Identity, r.Frame)
	if err == store.ErrNotFound {
		pc = &store.PendingClaim{
			Identity:  r.Identity,
			Frame:     r.Frame,
			RequestID: uuid.NewString(),
		}
		b := c.store.Batch()
		if err = c.store.PutClaim(b, pc); err == nil {
			err = c.store.Commit(b)
		}
		_ = b.Close()
	}
	if err != nil {
		c.log.Error("keys: claim record", "identity", r.Identity, "err", err)
		c.pending.Store(r, time.Now().Add(c.claimBackoff.Next(r.track())))
		return
	}

	var own []byte
	if key, err := c.store.GetUserKey(r.Identity, store.KeyEncryption, r.Frame); err == nil {
		own = key.Raw
	}
	if err := c.auth.InitiateClaim(ctx, c.identityHash(r.Identity), own, pc.RequestID); err != nil {
		delay := c.claimBackoff.Next(r.track())
		c.pending.Store(r, time.Now().Add(delay))
		c.fetches.WithLabelValues(r.Kind.String(), "claim_retry").Inc()
		c.log.Warn("keys: claim failed, backing off", "identity", r.Identity, "delay", delay, "err", err)
		return
	}

	if !pc.Notified {
		pc.Notified = true
		b := c.store.Batch()
		if err := c.store.PutClaim(b, pc); err == nil {
			_ = c.store.Commit(b)
		}
		_ = b.Close()
	}
	c.claimBackoff.Reset(r.track())
	// the key itself is still pending; poll for it at the minimum period
	// without touching the fetch track, which only moves on fetch failures
	c.pending.Store(r, time.Now().Add(utils.MinRetryPeriod))
}

// FetchNow performs one synchronous attempt, for callers configured
// with a blocking key-wait policy. Same state machine, no second path.
func (c *Coordinator) FetchNow(ctx context.Context, r Request) error {
	c.process(ctx, r)
	if _, err := c.store.GetUserKey(r.Identity, r.Kind, r.Frame); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) identityHash(id uint64) []byte {
	ident, err := c.store.GetIdentity(id)
	if err != nil {
		return nil
	}
	return ident.Hashed
}
