package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	return []string{"Disconnected", "Connecting", "Connected"}[s]
}

// Backoff tracks. Each failure class keeps its own state so a publish
// success never masks a persistent receive failure.
const (
	classConnect = "connect"
	classPublish = "publish"
	classReceive = "receive"
)

type Transport struct {
	log   utils.Logger
	store *store.Store
	hub   *utils.Hub

	dialer Dialer
	url    string
	device uint64
	salt   []byte

	backoff *utils.BackoffSet
	state   atomic.Int32

	// pending delivery tags. Confirm callbacks originate on the broker
	// client's goroutine, so this is the one mutex-guarded table.
	lock     sync.Mutex
	pending  map[uint64]uint64 // delivery tag -> encoded id
	inflight map[uint64]uint64 // encoded id -> delivery tag

	// group exchanges declared on the current connection
	declared map[string]bool

	wake       utils.Signal
	netChanged utils.Signal

	events *prometheus.CounterVec
}

func New(log utils.Logger, st *store.Store, hub *utils.Hub, dialer Dialer, url string, device uint64, salt []byte) *Transport {
	return &Transport{
		log:        log,
		store:      st,
		hub:        hub,
		dialer:     dialer,
		url:        url,
		device:     device,
		salt:       salt,
		backoff:    utils.NewBackoffSet(),
		pending:    make(map[uint64]uint64),
		inflight:   make(map[uint64]uint64),
		wake:       hub.Subscribe(utils.SigEncodedReady),
		netChanged: hub.Subscribe(utils.SigNetworkChanged),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "musubi_transport_events_total",
			Help: "Transport events by type",
		}, []string{"event"}),
	}
}

func (t *Transport) Describe(ch chan<- *prometheus.Desc) { t.events.Describe(ch) }
func (t *Transport) Collect(ch chan<- prometheus.Metric) { t.events.Collect(ch) }

func (t *Transport) Status() State {
	return State(t.state.Load())
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
	if s == Disconnected {
		t.hub.Raise(utils.SigNotConnected)
	}
}

// Run is the transport's sequential worker: connect, declare topology,
// then pump publishes, confirms and deliveries until the channel dies.
func (t *Transport) Run(ctx context.Context) {
	for ctx.Err() == nil {
		t.setState(Connecting)
		ch, err := t.dialer.Dial(ctx, t.url)
		if err != nil {
			t.setState(Disconnected)
			t.events.WithLabelValues("connect_failed").Inc()
			t.log.Error("transport: connect failed", "err", err)
			if !t.sleep(ctx, t.backoff.Next(classConnect)) {
				return
			}
			continue
		}
		t.backoff.Reset(classConnect)

		deliveries, err := t.setup(ctx, ch)
		if err != nil {
			_ = ch.Close()
			t.setState(Disconnected)
			t.log.Error("transport: topology declaration failed", "err", err)
			if !t.sleep(ctx, t.backoff.Next(classConnect)) {
				return
			}
			continue
		}

		t.setState(Connected)
		t.events.WithLabelValues("connected").Inc()
		t.log.Info("transport: connected", "url", t.url)
		track := t.session(ctx, ch, deliveries)
		_ = ch.Close()
		t.setState(Disconnected)
		if track != "" {
			if !t.sleep(ctx, t.backoff.Next(track)) {
				return
			}
		}
	}
}

// sleep waits out a backoff delay, cut short by a network-change signal.
func (t *Transport) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.netChanged.Wait():
		t.backoff.ResetAll()
		return true
	case <-timer.C:
		return true
	}
}

// setup declares the device queue, one fanout exchange per owned
// identity with its binding, and drains pre-claim holding queues.
func (t *Transport) setup(ctx context.Context, ch Channel) (<-chan Delivery, error) {
	owned, err := t.store.OwnedIdentities()
	if err != nil {
		return nil, err
	}

	devQueue := DeviceQueue(t.salt, t.device)
	if err := ch.DeclareQueue(devQueue); err != nil {
		return nil, err
	}
	for _, ident := range owned {
		ex := IdentityExchange(ident.Hashed)
		if err := ch.DeclareFanout(ex); err != nil {
			return nil, err
		}
		if err := ch.BindQueue(devQueue, ex); err != nil {
			return nil, err
		}
		held, err := ch.DrainQueue(HoldingQueue(ident.Hashed))
		if err != nil {
			return nil, err
		}
		for _, raw := range held {
			t.insertInbound(raw)
		}
	}

	// a fresh channel voids all previous delivery tags
	t.lock.Lock()
	t.pending = make(map[uint64]uint64)
	t.inflight = make(map[uint64]uint64)
	t.lock.Unlock()
	t.declared = make(map[string]bool)

	return ch.Consume(devQueue)
}

// session pumps publishes, confirms and deliveries on one channel.
// A publish failure or nack parks the backlog behind a retry timer;
// wakes during that window are absorbed by the pending timer. The
// returned track, if any, is slept on before the next dial.
func (t *Transport) session(ctx context.Context, ch Channel, deliveries <-chan Delivery) string {
	var timer *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func(delay time.Duration) {
		if delay <= 0 {
			return
		}
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(delay)
		retryC = timer.C
	}

	schedule(t.publishPass(ctx, ch))
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-t.wake.Wait():
			if retryC == nil {
				schedule(t.publishPass(ctx, ch))
			}
		case <-retryC:
			retryC = nil
			schedule(t.publishPass(ctx, ch))
		case <-t.netChanged.Wait():
			t.backoff.ResetAll()
			if timer != nil {
				timer.Stop()
			}
			retryC = nil
			schedule(t.publishPass(ctx, ch))
		case d, ok := <-deliveries:
			if !ok {
				return ""
			}
			if !t.receive(d) {
				// requeue on a fresh channel rather than strand the delivery
				return classReceive
			}
		case conf, ok := <-ch.Confirmations():
			if !ok {
				return ""
			}
			schedule(t.confirm(conf))
		case err := <-ch.NotifyClose():
			t.events.WithLabelValues("channel_closed").Inc()
			t.log.Error("transport: channel closed", "err", err)
			return ""
		}
	}
}

// publishPass re-scans every unprocessed outbound encoded message and
// publishes the ones without an outstanding delivery tag. A non-zero
// return is the backoff delay before the rest of the backlog may retry.
func (t *Transport) publishPass(ctx context.Context, ch Channel) time.Duration {
	encs, err := t.store.ScanUnprocessedEncoded(true)
	if err != nil {
		t.log.Error("transport: outbound scan", "err", err)
		return 0
	}
	for _, enc := range encs {
		t.lock.Lock()
		_, outstanding := t.inflight[enc.ID]
		t.lock.Unlock()
		if outstanding {
			continue
		}

		recips, err := wire.RecipientHashes(enc.Raw)
		if err != nil || len(recips) == 0 {
			t.log.Warn("transport: dropping unroutable outbound message", "encoded", enc.ID, "err", err)
			b := t.store.Batch()
			if err := t.store.DeleteEncoded(b, enc.ID); err == nil {
				_ = t.store.Commit(b)
			}
			_ = b.Close()
			continue
		}

		group := GroupExchange(wire.CapabilityHash(recips))
		if !t.declared[group] {
			if err := t.declareGroup(ch, group, recips); err != nil {
				return t.publishFailed(err)
			}
			t.declared[group] = true
		}

		tag, err := ch.Publish(ctx, group, enc.Raw)
		if err != nil {
			return t.publishFailed(err)
		}
		t.lock.Lock()
		t.pending[tag] = enc.ID
		t.inflight[enc.ID] = tag
		t.lock.Unlock()
		t.events.WithLabelValues("published").Inc()
	}
	return 0
}

func (t *Transport) declareGroup(ch Channel, group string, recips [][]byte) error {
	if err := ch.DeclareFanout(group); err != nil {
		return err
	}
	for _, r := range recips {
		ex := IdentityExchange(r)
		if err := ch.DeclareFanout(ex); err != nil {
			return err
		}
		if err := ch.BindExchange(ex, group); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) publishFailed(err error) time.Duration {
	t.events.WithLabelValues("publish_failed").Inc()
	delay := t.backoff.Next(classPublish)
	t.log.Error("transport: publish failed, backing off", "delay", delay, "err", err)
	return delay
}

// confirm settles one delivery tag. A positive ack marks the encoded
// message durably delivered; a nack clears the bookkeeping and returns
// the publish-class delay to wait before republishing.
func (t *Transport) confirm(conf Confirmation) time.Duration {
	t.lock.Lock()
	encID, ok := t.pending[conf.Tag]
	delete(t.pending, conf.Tag)
	delete(t.inflight, encID)
	t.lock.Unlock()
	if !ok {
		return 0
	}

	if !conf.Ack {
		t.events.WithLabelValues("nacked").Inc()
		delay := t.backoff.Next(classPublish)
		t.log.Warn("transport: publish nacked, backing off", "encoded", encID, "delay", delay)
		return delay
	}

	b := t.store.Batch()
	err := t.store.MarkEncodedProcessed(b, encID)
	if err == nil {
		err = t.store.Commit(b)
	}
	_ = b.Close()
	if err != nil {
		t.log.Error("transport: ack bookkeeping", "encoded", encID, "err", err)
		return 0
	}
	t.backoff.Reset(classPublish)
	t.events.WithLabelValues("acked").Inc()
	t.hub.Raise(utils.SigFeedUpdated)
	return 0
}

// receive lands one inbound delivery. A store or ack failure ends the
// session; the broker requeues the unacked delivery for the next one.
func (t *Transport) receive(d Delivery) bool {
	if !t.insertInbound(d.Body) {
		t.events.WithLabelValues("receive_failed").Inc()
		return false
	}
	if err := d.Ack(); err != nil {
		t.log.Error("transport: ack failed", "err", err)
		t.events.WithLabelValues("receive_failed").Inc()
		return false
	}
	t.backoff.Reset(classReceive)
	t.events.WithLabelValues("received").Inc()
	return true
}

func (t *Transport) insertInbound(raw []byte) bool {
	enc := &store.EncodedMessage{
		ID:  t.store.NewEncodedID(),
		Raw: raw,
	}
	b := t.store.Batch()
	err := t.store.PutEncoded(b, enc)
	if err == nil {
		err = t.store.Commit(b)
	}
	_ = b.Close()
	if err != nil {
		t.log.Error("transport: inbound insert", "err", err)
		return false
	}
	t.hub.Raise(utils.SigEncodedReceived)
	return true
}
