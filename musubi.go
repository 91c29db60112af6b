// Package musubi wires the encrypted group-messaging substrate: a
// durable pebble store, the key acquisition coordinator, the AMQP
// transport and the encode/decode/finalize pipeline stages, each
// running as its own level-triggered worker.
package musubi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mobisocial/Musubi-Android-sub001/ibe"
	"github.com/Mobisocial/Musubi-Android-sub001/keys"
	"github.com/Mobisocial/Musubi-Android-sub001/pipeline"
	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/transport"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

type Options struct {
	// Device is this device's stable identifier.
	Device uint64
	// BrokerURL connects the transport; empty runs store-and-pipeline only.
	BrokerURL string
	// Authority fetches identity keys. Required.
	Authority keys.Authority
	// Dialer overrides the broker dialer, for tests.
	Dialer transport.Dialer
	// QueueSalt blinds the device id in broker queue names.
	QueueSalt []byte
	// KeyWaiter optionally blocks decodes on a synchronous key fetch.
	KeyWaiter pipeline.KeyWaiter
	// Handlers maps object type tags to their side-effect handlers.
	Handlers map[string]pipeline.TypeHandler

	Logger     utils.Logger
	Registerer prometheus.Registerer
	Pebble     pebble.Options
}

type Musubi struct {
	log utils.Logger
	hub *utils.Hub
	st  *store.Store

	device    uint64
	coord     *keys.Coordinator
	transport *transport.Transport
	encoder   *pipeline.Encoder
	decoder   *pipeline.Decoder
	finalizer *pipeline.Finalizer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Open(dir string, opts Options) (*Musubi, error) {
	log := opts.Logger
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}

	st, err := store.Open(dir, log, &opts.Pebble)
	if err != nil {
		return nil, err
	}

	hub := utils.NewHub()
	codec := ibe.NewCodec()
	coord := keys.NewCoordinator(log, st, opts.Authority, hub)

	m := &Musubi{
		log:       log,
		hub:       hub,
		st:        st,
		device:    opts.Device,
		coord:     coord,
		encoder:   pipeline.NewEncoder(log, st, hub, codec, coord),
		decoder:   pipeline.NewDecoder(log, st, hub, codec, coord, opts.Device, opts.KeyWaiter),
		finalizer: pipeline.NewFinalizer(log, st, hub, opts.Handlers),
	}

	if opts.BrokerURL != "" {
		dialer := opts.Dialer
		if dialer == nil {
			dialer = transport.AMQPDialer{}
		}
		salt := opts.QueueSalt
		if len(salt) == 0 {
			salt = []byte("musubi.queue.v1")
		}
		m.transport = transport.New(log, st, hub, dialer, opts.BrokerURL, opts.Device, salt)
	}

	if opts.Registerer != nil {
		opts.Registerer.MustRegister(store.NewCollector(st.DB()), coord,
			m.encoder, m.decoder, m.finalizer)
		if m.transport != nil {
			opts.Registerer.MustRegister(m.transport)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.start(ctx, coord.Run)
	m.start(ctx, m.encoder.Run)
	m.start(ctx, m.decoder.Run)
	m.start(ctx, m.finalizer.Run)
	if m.transport != nil {
		m.start(ctx, m.transport.Run)
	}

	log.Info("musubi: node open", "dir", dir, "device", opts.Device)
	return m, nil
}

func (m *Musubi) start(ctx context.Context, run func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run(ctx)
	}()
}

func (m *Musubi) Close() error {
	m.cancel()
	m.wg.Wait()
	return m.st.Close()
}

func (m *Musubi) Store() *store.Store { return m.st }
func (m *Musubi) Hub() *utils.Hub    { return m.hub }

// Connected reports transport connectivity, the only user-visible
// failure surface of the substrate.
func (m *Musubi) Connected() bool {
	return m.transport != nil && m.transport.Status() == transport.Connected
}

// PostObject is the application entry point: insert an outbound object
// and wake the encoder.
func (m *Musubi) PostObject(sender, feed uint64, app, typeTag string, js, raw []byte) (uint64, error) {
	obj := &store.Object{
		ID:        m.st.NewObjectID(),
		Feed:      feed,
		Sender:    sender,
		Device:    m.device,
		App:       app,
		Timestamp: time.Now().UnixMilli(),
		Type:      typeTag,
		JSON:      js,
		Raw:       raw,
		Outbound:  true,
	}
	b := m.st.Batch()
	defer b.Close()
	if err := m.st.PutObject(b, obj); err != nil {
		return 0, err
	}
	if err := m.st.Commit(b); err != nil {
		return 0, err
	}
	m.hub.Raise(utils.SigObjectReady)
	return obj.ID, nil
}

// CreateFixedFeed derives the deterministic capability for a member set
// and creates (or finds) the feed.
func (m *Musubi) CreateFixedFeed(members []uint64) (*store.Feed, error) {
	hashes := make([][]byte, 0, len(members))
	for _, id := range members {
		ident, err := m.st.GetIdentity(id)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, ident.Hashed)
	}
	feed, _, err := m.st.FindOrCreateFeedByCapability(
		store.FeedFixed, wire.CapabilityHash(hashes), members)
	return feed, err
}
