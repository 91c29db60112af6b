package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

// StalenessWindow bounds how long an object may wait for an unknown
// parent before it is dropped as unreachable.
const StalenessWindow = 7 * 24 * time.Hour

// TypeHandler performs type-specific side effects and decides whether
// an object is renderable. Handlers are external collaborators.
type TypeHandler interface {
	Process(obj *store.Object) (renderable bool, err error)
}

type Finalizer struct {
	log      utils.Logger
	store    *store.Store
	hub      *utils.Hub
	handlers map[string]TypeHandler

	wake utils.Signal

	results *prometheus.CounterVec
}

func NewFinalizer(log utils.Logger, st *store.Store, hub *utils.Hub, handlers map[string]TypeHandler) *Finalizer {
	return &Finalizer{
		log:      log,
		store:    st,
		hub:      hub,
		handlers: handlers,
		wake:     hub.Subscribe(utils.SigDecodedReady),
		results:  stageCounter("finalizer"),
	}
}

func (f *Finalizer) Describe(ch chan<- *prometheus.Desc) { f.results.Describe(ch) }
func (f *Finalizer) Collect(ch chan<- prometheus.Metric) { f.results.Collect(ch) }

func (f *Finalizer) Run(ctx context.Context) {
	for {
		f.scan()
		select {
		case <-ctx.Done():
			return
		case <-f.wake.Wait():
		}
	}
}

func (f *Finalizer) scan() {
	objs, err := f.store.ScanFinalizable()
	if err != nil {
		f.log.Error("finalizer: backlog scan", "err", err)
		return
	}
	for _, obj := range objs {
		res := f.Finalize(obj.ID)
		f.results.WithLabelValues(res.Status.String()).Inc()
	}
}

type parentRef struct {
	TargetHash string `json:"target_hash"`
}

// Finalize completes the pipeline for one object: hash invariant,
// threading, type handler dispatch and feed bookkeeping.
func (f *Finalizer) Finalize(objectID uint64) Result {
	obj, err := f.store.GetObject(objectID)
	if err != nil || obj.Processed || obj.Deleted {
		return done()
	}

	// corrupt rows are dropped, never propagated
	if wire.ShortHash(obj.UniversalHash) != obj.ShortHash {
		f.log.Warn("finalizer: hash invariant violated, deleting", "object", obj.ID)
		f.deleteObject(obj)
		return discarded("hash invariant violated")
	}

	var ref parentRef
	if len(obj.JSON) > 0 {
		_ = json.Unmarshal(obj.JSON, &ref)
	}
	if ref.TargetHash != "" {
		if res, ok := f.resolveParent(obj, ref.TargetHash); !ok {
			return res
		}
	}

	renderable := true
	if h, ok := f.handlers[obj.Type]; ok {
		var err error
		renderable, err = h.Process(obj)
		if err != nil {
			f.log.Error("finalizer: type handler failed", "object", obj.ID, "type", obj.Type, "err", err)
			renderable = false
		}
	}

	feed, err := f.store.GetFeed(obj.Feed)
	if err != nil {
		// feed deleted while the object was in flight
		f.deleteObject(obj)
		return rejected("feed vanished")
	}

	obj.Renderable = renderable
	obj.Processed = true

	b := f.store.Batch()
	defer b.Close()
	if err := f.store.PutObject(b, obj); err != nil {
		return rejected("persist failed")
	}

	if feed.Type == store.FeedOneTimeUse {
		// one delivery round and the feed is gone
		if err := f.store.DeleteFeed(b, feed); err != nil {
			return rejected("persist failed")
		}
	} else {
		if renderable && !obj.Outbound {
			feed.Latest = obj.ID
			feed.Unread++
		}
		if err := f.store.PutFeed(b, feed); err != nil {
			return rejected("persist failed")
		}
	}

	children, err := f.store.UnparkChildren(b, obj.UniversalHash)
	if err != nil {
		return rejected("persist failed")
	}
	if err := f.store.Commit(b); err != nil {
		f.log.Error("finalizer: commit failed", "object", obj.ID, "err", err)
		return rejected("persist failed")
	}

	f.hub.Raise(utils.SigFeedUpdated)
	if len(children) > 0 {
		f.wake.Raise() // finalize the replayed children on the next pass
	}
	return done()
}

// resolveParent links obj to its declared parent. Unknown parents park
// the object unless it is already stale.
func (f *Finalizer) resolveParent(obj *store.Object, target string) (Result, bool) {
	parentHash, err := hex.DecodeString(target)
	if err != nil {
		return done(), true // malformed reference: thread as a root
	}

	parent, err := f.store.ObjectByUniversalHash(parentHash)
	if err == store.ErrNotFound {
		if time.Since(time.UnixMilli(obj.Timestamp)) > StalenessWindow {
			f.log.Warn("finalizer: dropping object with unreachable parent", "object", obj.ID)
			f.deleteObject(obj)
			return discarded("unreachable parent"), false
		}
		b := f.store.Batch()
		defer b.Close()
		if err := f.store.ParkObject(b, parentHash, obj); err == nil {
			_ = f.store.Commit(b)
		}
		return parked(), false
	}
	if err != nil {
		return rejected("parent lookup failed"), false
	}

	obj.Parent = parent.ID
	return done(), true
}

func (f *Finalizer) deleteObject(obj *store.Object) {
	b := f.store.Batch()
	defer b.Close()
	if err := f.store.DeleteObject(b, obj); err == nil {
		_ = f.store.Commit(b)
	}
}
