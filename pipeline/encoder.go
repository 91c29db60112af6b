package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mobisocial/Musubi-Android-sub001/ibe"
	"github.com/Mobisocial/Musubi-Android-sub001/keys"
	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

// LargeFanout splits encoding work across two workers so a broadcast to
// hundreds of recipients never delays a 1:1 send.
const LargeFanout = 8

// Object type tags that are always sent blind (no recipient list in
// the envelope).
func blindType(t string) bool {
	return t == "delete" || t == "like"
}

type Encoder struct {
	log   utils.Logger
	store *store.Store
	hub   *utils.Hub
	codec *ibe.Codec
	coord *keys.Coordinator

	wake  utils.Signal
	small chan uint64
	large chan uint64

	results *prometheus.CounterVec
}

func NewEncoder(log utils.Logger, st *store.Store, hub *utils.Hub, codec *ibe.Codec, coord *keys.Coordinator) *Encoder {
	return &Encoder{
		log:     log,
		store:   st,
		hub:     hub,
		codec:   codec,
		coord:   coord,
		wake:    hub.Subscribe(utils.SigObjectReady, utils.SigKeysChanged),
		small:   make(chan uint64, 64),
		large:   make(chan uint64, 64),
		results: stageCounter("encoder"),
	}
}

func (e *Encoder) Describe(ch chan<- *prometheus.Desc) { e.results.Describe(ch) }
func (e *Encoder) Collect(ch chan<- prometheus.Metric) { e.results.Collect(ch) }

// Run drives the level-triggered scan loop plus the two fan-out
// workers. Re-queuing an object twice is harmless: Encode is a no-op
// once the encoded link is set.
func (e *Encoder) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go e.worker(ctx, &wg, e.small)
	go e.worker(ctx, &wg, e.large)
	defer wg.Wait()

	for {
		e.scan()
		select {
		case <-ctx.Done():
			return
		case <-e.wake.Wait():
		}
	}
}

func (e *Encoder) worker(ctx context.Context, wg *sync.WaitGroup, queue <-chan uint64) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-queue:
			res := e.Encode(id)
			e.results.WithLabelValues(res.Status.String()).Inc()
			if res.Missing != nil {
				e.coord.Ask(*res.Missing)
			}
		}
	}
}

func (e *Encoder) scan() {
	objs, err := e.store.ScanUnencoded()
	if err != nil {
		e.log.Error("encoder: backlog scan", "err", err)
		return
	}
	for _, obj := range objs {
		queue := e.small
		if members, err := e.store.Members(obj.Feed); err == nil && len(members) >= LargeFanout {
			queue = e.large
		}
		select {
		case queue <- obj.ID:
		default:
			// queue full; the next wake re-scans everything outstanding
		}
	}
}

// Encode turns one object into its encrypted wire message.
func (e *Encoder) Encode(objectID uint64) Result {
	obj, err := e.store.GetObject(objectID)
	if err != nil {
		return rejected("object missing")
	}
	if obj.EncodedID != 0 || obj.Deleted {
		return done()
	}

	feed, err := e.store.GetFeed(obj.Feed)
	if err != nil {
		return e.eject(obj, "feed missing")
	}
	sender, err := e.store.GetIdentity(obj.Sender)
	if err != nil {
		return e.eject(obj, "sender missing")
	}
	if _, err := e.store.GetApp(obj.App); err != nil {
		return e.eject(obj, "app missing")
	}

	members, err := e.store.Members(feed.ID)
	if err != nil {
		return e.eject(obj, "membership unreadable")
	}

	// blind messages omit the recipient list; capability-addressed
	// feeds keep the capability so the receiving side can still route
	blind := blindType(obj.Type)

	env := &wire.Envelope{
		App:       obj.App,
		FeedType:  byte(feed.Type),
		Timestamp: obj.Timestamp,
		Type:      obj.Type,
		JSON:      obj.JSON,
		Raw:       obj.Raw,
	}
	if feed.Type == store.FeedFixed || feed.Type == store.FeedExpanding {
		env.Capability = feed.Capability
		if !blind {
			for _, m := range members {
				env.Recipients = append(env.Recipients, m.Hashed)
			}
		}
	}

	// hashes are fixed before any crypto, so a local-only send can
	// complete without transport or keys for anyone else
	msgHash := env.Hash()
	obj.UniversalHash = wire.UniversalHash(sender.Hashed, obj.Device, msgHash)
	obj.ShortHash = wire.ShortHash(obj.UniversalHash)

	frame := ibe.FrameAt(time.UnixMilli(obj.Timestamp))
	sigKey, err := e.store.GetUserKey(sender.ID, store.KeySignature, frame)
	if err != nil {
		return deferred(keys.Request{Identity: sender.ID, Kind: store.KeySignature, Frame: frame})
	}

	recips := make([]ibe.Recipient, 0, len(members))
	for _, m := range members {
		encKey, err := e.store.GetUserKey(m.ID, store.KeyEncryption, frame)
		if err != nil {
			return deferred(keys.Request{Identity: m.ID, Kind: store.KeyEncryption, Frame: frame})
		}
		pub := encKey.Raw
		if m.Owned {
			// owned rows carry private material
			if pub, err = ibe.EncryptionPublic(encKey.Raw); err != nil {
				return e.eject(obj, "bad own key material")
			}
		}
		recips = append(recips, ibe.Recipient{ID: m.ID, Hash: m.Hashed, PubKey: pub})
	}

	raw, err := e.codec.Seal(env, sender.Hashed, obj.Device, frame, sigKey.Raw, recips)
	if err != nil {
		e.log.Error("encoder: seal failed", "object", obj.ID, "err", err)
		return e.eject(obj, "seal failed")
	}

	localOnly := len(members) == 0
	enc := &store.EncodedMessage{
		ID:        e.store.NewEncodedID(),
		Raw:       raw,
		Outbound:  true,
		Processed: localOnly, // nothing to transport
	}
	obj.EncodedID = enc.ID

	b := e.store.Batch()
	defer b.Close()
	if err := e.store.PutEncoded(b, enc); err != nil {
		return rejected("persist failed")
	}
	if err := e.store.PutObject(b, obj); err != nil {
		return rejected("persist failed")
	}
	if err := e.store.Commit(b); err != nil {
		e.log.Error("encoder: commit failed", "object", obj.ID, "err", err)
		return rejected("persist failed")
	}

	if !localOnly {
		e.hub.Raise(utils.SigEncodedReady)
	}
	if len(obj.Raw) > 0 {
		e.hub.Raise(utils.SigUploadReady)
	}
	e.hub.Raise(utils.SigDecodedReady) // the finalizer consumes outbound objects too
	return done()
}

// eject drops an object whose prerequisites vanished, e.g. a feed
// deleted while the encode was in flight.
func (e *Encoder) eject(obj *store.Object, reason string) Result {
	b := e.store.Batch()
	defer b.Close()
	if err := e.store.DeleteObject(b, obj); err == nil {
		_ = e.store.Commit(b)
	}
	e.log.Warn("encoder: object ejected", "object", obj.ID, "reason", reason)
	return rejected(reason)
}
