package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mobisocial/Musubi-Android-sub001/ibe"
	"github.com/Mobisocial/Musubi-Android-sub001/keys"
	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

// TypeProfile objects mutate the sender's identity row and never become
// visible objects.
const TypeProfile = "profile"

// KeyWaiter is the injectable synchronous key-fetch policy. Production
// passes nil and missing keys always defer; tests may block once on the
// coordinator. Either way decoding takes the same path afterwards.
type KeyWaiter func(ctx context.Context, r keys.Request) error

type Decoder struct {
	log    utils.Logger
	store  *store.Store
	hub    *utils.Hub
	codec  *ibe.Codec
	coord  *keys.Coordinator
	device uint64
	waiter KeyWaiter

	wake utils.Signal

	// capability -> feed id, saves a store lookup per message on busy feeds
	feeds *lru.Cache[string, uint64]

	results *prometheus.CounterVec
}

func NewDecoder(log utils.Logger, st *store.Store, hub *utils.Hub, codec *ibe.Codec, coord *keys.Coordinator, device uint64, waiter KeyWaiter) *Decoder {
	cache, _ := lru.New[string, uint64](512)
	return &Decoder{
		log:     log,
		store:   st,
		hub:     hub,
		codec:   codec,
		coord:   coord,
		device:  device,
		waiter:  waiter,
		wake:    hub.Subscribe(utils.SigEncodedReceived, utils.SigKeysChanged),
		feeds:   cache,
		results: stageCounter("decoder"),
	}
}

func (d *Decoder) Describe(ch chan<- *prometheus.Desc) { d.results.Describe(ch) }
func (d *Decoder) Collect(ch chan<- prometheus.Metric) { d.results.Collect(ch) }

func (d *Decoder) Run(ctx context.Context) {
	for {
		d.scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.wake.Wait():
		}
	}
}

func (d *Decoder) scan(ctx context.Context) {
	encs, err := d.store.ScanUnprocessedEncoded(false)
	if err != nil {
		d.log.Error("decoder: backlog scan", "err", err)
		return
	}
	for _, enc := range encs {
		res := d.Decode(ctx, enc.ID)
		d.results.WithLabelValues(res.Status.String()).Inc()
	}
}

// Decode authenticates, decrypts and lands one inbound wire message.
func (d *Decoder) Decode(ctx context.Context, encodedID uint64) Result {
	enc, err := d.store.GetEncoded(encodedID)
	if err != nil || enc.Processed {
		return done()
	}

	f, err := wire.ParseFrame(enc.Raw)
	if err != nil {
		return d.discard(enc, "malformed frame", false)
	}

	sender, err := d.store.EnsureIdentity(f.Sender)
	if err != nil {
		d.log.Error("decoder: sender resolve", "err", err)
		return rejected("sender resolve failed")
	}
	if sender.Owned && f.Device == d.device {
		// our own publish fanned back to us
		return d.discard(enc, "self-routed duplicate", true)
	}

	owned, err := d.store.OwnedIdentities()
	if err != nil {
		return rejected("owned identities unreadable")
	}
	hashes := make([][]byte, len(owned))
	for i, o := range owned {
		hashes[i] = o.Hashed
	}
	wrapIdx, err := ibe.FindWrap(f, hashes)
	if err != nil {
		return d.discard(enc, "not addressed to this device", false)
	}
	var me *store.Identity
	for _, o := range owned {
		if bytes.Equal(o.Hashed, f.Wraps[wrapIdx].Recipient) {
			me = o
			break
		}
	}

	encKey, err := d.store.GetUserKey(me.ID, store.KeyEncryption, f.KeyFrame)
	if err != nil {
		return d.needKey(ctx, keys.Request{Identity: me.ID, Kind: store.KeyEncryption, Frame: f.KeyFrame})
	}
	sigKey, err := d.store.GetUserKey(sender.ID, store.KeySignature, f.KeyFrame)
	if err != nil {
		return d.needKey(ctx, keys.Request{Identity: sender.ID, Kind: store.KeySignature, Frame: f.KeyFrame})
	}

	sigPub, err := ibe.SignaturePublic(sigKey.Raw)
	if err != nil {
		return d.discard(enc, "bad signature key material", false)
	}
	env, err := d.codec.Open(f, wrapIdx, encKey.Raw, sigPub)
	if err != nil {
		return d.discard(enc, "open failed: "+err.Error(), false)
	}
	if !bytes.Equal(env.MessageHash, env.Hash()) {
		return d.discard(enc, "message hash mismatch", false)
	}

	universal := wire.UniversalHash(f.Sender, f.Device, env.MessageHash)
	if _, err := d.store.ObjectByUniversalHash(universal); err == nil {
		return d.discard(enc, "duplicate universal hash", true)
	}

	if env.Type == TypeProfile {
		return d.applyProfile(sender, env, enc)
	}

	feed, admitted, res := d.resolveFeed(sender, env)
	if res != nil {
		if res.Status == Discarded {
			return d.discard(enc, res.Reason, false)
		}
		return *res // encoded message stays for a later pass
	}

	obj := &store.Object{
		ID:            d.store.NewObjectID(),
		Feed:          feed.ID,
		Sender:        sender.ID,
		Device:        f.Device,
		App:           env.App,
		Timestamp:     env.Timestamp,
		Type:          env.Type,
		JSON:          env.JSON,
		Raw:           env.Raw,
		UniversalHash: universal,
		ShortHash:     wire.ShortHash(universal),
		EncodedID:     enc.ID,
	}

	b := d.store.Batch()
	defer b.Close()
	if err := d.store.PutObject(b, obj); err != nil {
		return rejected("persist failed")
	}
	for _, id := range admitted {
		if err := d.store.AddMember(b, feed.ID, id); err != nil {
			return rejected("persist failed")
		}
	}
	if err := d.store.PutFeed(b, feed); err != nil {
		return rejected("persist failed")
	}
	if err := d.store.MarkEncodedProcessed(b, enc.ID); err != nil {
		return rejected("persist failed")
	}
	if err := d.store.Commit(b); err != nil {
		d.log.Error("decoder: commit failed", "encoded", enc.ID, "err", err)
		return rejected("persist failed")
	}

	d.hub.Raise(utils.SigDecodedReady)
	return done()
}

// resolveFeed routes the envelope to its feed, creating feeds and
// admitting members per feed type. A non-nil Result stops the decode:
// Discarded drops the message, Rejected keeps it for a later pass.
func (d *Decoder) resolveFeed(sender *store.Identity, env *wire.Envelope) (*store.Feed, []uint64, *Result) {
	switch store.FeedType(env.FeedType) {
	case store.FeedFixed:
		if len(env.Recipients) == 0 {
			// blind message: no declared set, route by capability alone
			return d.lookupFixed(env.Capability)
		}
		capability := wire.CapabilityHash(env.Recipients)
		if !bytes.Equal(capability, env.Capability) {
			r := discarded("fixed feed capability mismatch")
			return nil, nil, &r
		}
		members, err := d.ensureIdentities(env.Recipients)
		if err != nil {
			r := discarded("member resolve failed")
			return nil, nil, &r
		}
		feed, _, err := d.findOrCreate(store.FeedFixed, capability, members)
		if err != nil {
			r := discarded("feed create failed")
			return nil, nil, &r
		}
		return feed, nil, nil

	case store.FeedExpanding:
		if len(env.Capability) == 0 {
			r := discarded("expanding feed without capability")
			return nil, nil, &r
		}
		members, err := d.ensureIdentities(env.Recipients)
		if err != nil {
			r := discarded("member resolve failed")
			return nil, nil, &r
		}
		feed, created, err := d.findOrCreate(store.FeedExpanding, env.Capability, members)
		if err != nil {
			r := discarded("feed create failed")
			return nil, nil, &r
		}
		// auto-admit any recipients that joined since feed creation
		var admitted []uint64
		if !created {
			for _, id := range members {
				ok, err := d.store.IsMember(feed.ID, id)
				if err == nil && !ok {
					admitted = append(admitted, id)
				}
			}
		}
		// accepted flips true once a known sender appears, never back
		if !feed.Accepted && (sender.Owned || sender.Whitelisted) {
			feed.Accepted = true
		}
		return feed, admitted, nil

	case store.FeedAsymmetric, store.FeedOneTimeUse:
		// no well-known capability: always the sender's global feed
		feed, _, err := d.findOrCreate(store.FeedType(env.FeedType), sender.Hashed, []uint64{sender.ID})
		if err != nil {
			r := discarded("feed create failed")
			return nil, nil, &r
		}
		return feed, nil, nil
	}

	r := discarded("unknown feed type")
	return nil, nil, &r
}

// lookupFixed resolves a blind fixed-feed message. The feed must
// already exist here; until it does the message is kept, not dropped,
// since the founding message may simply not have arrived yet.
func (d *Decoder) lookupFixed(capability []byte) (*store.Feed, []uint64, *Result) {
	if len(capability) == 0 {
		r := discarded("fixed feed without capability")
		return nil, nil, &r
	}
	if id, ok := d.feeds.Get(string(capability)); ok {
		if feed, err := d.store.GetFeed(id); err == nil {
			return feed, nil, nil
		}
		d.feeds.Remove(string(capability))
	}
	feed, err := d.store.FeedByCapability(capability)
	if err == store.ErrNotFound {
		r := rejected("fixed feed not yet known")
		return nil, nil, &r
	}
	if err != nil {
		r := rejected("feed lookup failed")
		return nil, nil, &r
	}
	d.feeds.Add(string(capability), feed.ID)
	return feed, nil, nil
}

func (d *Decoder) findOrCreate(ftype store.FeedType, capability []byte, members []uint64) (*store.Feed, bool, error) {
	if id, ok := d.feeds.Get(string(capability)); ok {
		if feed, err := d.store.GetFeed(id); err == nil {
			return feed, false, nil
		}
		d.feeds.Remove(string(capability))
	}
	feed, created, err := d.store.FindOrCreateFeedByCapability(ftype, capability, members)
	if err == nil {
		d.feeds.Add(string(capability), feed.ID)
	}
	return feed, created, err
}

func (d *Decoder) ensureIdentities(hashes [][]byte) ([]uint64, error) {
	ids := make([]uint64, 0, len(hashes))
	for _, h := range hashes {
		ident, err := d.store.EnsureIdentity(h)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ident.ID)
	}
	return ids, nil
}

type profilePayload struct {
	Name      string `json:"name"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Version   uint64 `json:"version"`
}

// applyProfile lands a profile update directly on the identity row.
// Versions only move forward; a stale update is a silent no-op.
func (d *Decoder) applyProfile(sender *store.Identity, env *wire.Envelope, enc *store.EncodedMessage) Result {
	var p profilePayload
	if err := json.Unmarshal(env.JSON, &p); err != nil {
		return d.discard(enc, "malformed profile payload", false)
	}

	b := d.store.Batch()
	defer b.Close()
	if p.Version > sender.RecvVersion {
		sender.Name = p.Name
		sender.RecvVersion = p.Version
		if p.Thumbnail != "" {
			if thumb, err := base64.StdEncoding.DecodeString(p.Thumbnail); err == nil {
				sender.Thumbnail = thumb
			}
		}
		if err := d.store.PutIdentity(b, sender); err != nil {
			return rejected("persist failed")
		}
	}
	if err := d.store.DeleteEncoded(b, enc.ID); err != nil {
		return rejected("persist failed")
	}
	if err := d.store.Commit(b); err != nil {
		return rejected("persist failed")
	}
	d.hub.Raise(utils.SigFeedUpdated)
	return done()
}

func (d *Decoder) needKey(ctx context.Context, r keys.Request) Result {
	if d.waiter != nil {
		if err := d.waiter(ctx, r); err == nil {
			return deferred(r) // key landed; the keys-changed wake rescans
		}
	}
	d.coord.Ask(r)
	return deferred(r)
}

// discard deletes an encoded message for good. Expected discards
// (self-routing, dedup) log at debug, anomalies at warn.
func (d *Decoder) discard(enc *store.EncodedMessage, reason string, quiet bool) Result {
	b := d.store.Batch()
	defer b.Close()
	if err := d.store.DeleteEncoded(b, enc.ID); err == nil {
		if err := d.store.Commit(b); err != nil {
			d.log.Error("decoder: discard failed", "encoded", enc.ID, "err", err)
			return rejected("discard failed")
		}
	}
	if quiet {
		d.log.Debug("decoder: message discarded", "encoded", enc.ID, "reason", reason)
	} else {
		d.log.Warn("decoder: message discarded", "encoded", enc.ID, "reason", reason)
	}
	return discarded(reason)
}
