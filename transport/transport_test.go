package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"

	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

type fakePublish struct {
	Exchange string
	Body     []byte
	Tag      uint64
}

type fakeChannel struct {
	lock       sync.Mutex
	queues     map[string]bool
	fanouts    map[string]bool
	queueBinds map[string][]string
	exBinds    map[string][]string
	published  []fakePublish
	attempts   int
	fail       int
	nextTag    uint64
	held       map[string][][]byte

	deliveries chan Delivery
	confirms   chan Confirmation
	closes     chan error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queues:     map[string]bool{},
		fanouts:    map[string]bool{},
		queueBinds: map[string][]string{},
		exBinds:    map[string][]string{},
		held:       map[string][][]byte{},
		deliveries: make(chan Delivery, 16),
		confirms:   make(chan Confirmation, 16),
		closes:     make(chan error, 1),
	}
}

func (c *fakeChannel) DeclareQueue(name string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.queues[name] = true
	return nil
}

func (c *fakeChannel) DeclareFanout(name string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.fanouts[name] = true
	return nil
}

func (c *fakeChannel) BindQueue(queue, exchange string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.queueBinds[queue] = append(c.queueBinds[queue], exchange)
	return nil
}

func (c *fakeChannel) BindExchange(dst, src string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.exBinds[src] = append(c.exBinds[src], dst)
	return nil
}

func (c *fakeChannel) Publish(_ context.Context, exchange string, body []byte) (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.attempts++
	if c.fail > 0 {
		c.fail--
		return 0, errors.New("publish refused")
	}
	c.nextTag++
	c.published = append(c.published, fakePublish{Exchange: exchange, Body: body, Tag: c.nextTag})
	return c.nextTag, nil
}

func (c *fakeChannel) Consume(queue string) (<-chan Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Confirmations() <-chan Confirmation {
	return c.confirms
}

func (c *fakeChannel) DrainQueue(name string) ([][]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	msgs := c.held[name]
	delete(c.held, name)
	return msgs, nil
}

func (c *fakeChannel) NotifyClose() <-chan error { return c.closes }
func (c *fakeChannel) Close() error              { return nil }

func (c *fakeChannel) publishCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.published)
}

func (c *fakeChannel) attemptCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.attempts
}

func (c *fakeChannel) publishAt(i int) fakePublish {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.published[i]
}

type fakeDialer struct {
	lock  sync.Mutex
	ch    *fakeChannel
	fails int
	dials int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Channel, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("broker unreachable")
	}
	return d.ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.dials
}

type harness struct {
	store  *store.Store
	hub    *utils.Hub
	ch     *fakeChannel
	dialer *fakeDialer
	tr     *Transport
	alice  *store.Identity
	bob    []byte
	stop   func()
}

func newHarness(t *testing.T, fails int) *harness {
	log := utils.NewDefaultLogger(slog.LevelError)
	st, err := store.Open(t.TempDir(), log, &pebble.Options{})
	assert.Nil(t, err)
	t.Cleanup(func() { _ = st.Close() })

	alice, err := st.EnsureIdentity(wire.IdentityHash(byte(store.AuthEmail), "alice@example.com"))
	assert.Nil(t, err)
	alice.Owned = true
	b := st.Batch()
	assert.Nil(t, st.PutIdentity(b, alice))
	assert.Nil(t, st.Commit(b))
	_ = b.Close()

	h := &harness{
		store: st,
		hub:   utils.NewHub(),
		ch:    newFakeChannel(),
		alice: alice,
		bob:   wire.IdentityHash(byte(store.AuthEmail), "bob@example.com"),
	}
	h.dialer = &fakeDialer{ch: h.ch, fails: fails}
	h.tr = New(log, st, h.hub, h.dialer, "amqp://test", 1, []byte("salt"))
	return h
}

func (h *harness) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.tr.Run(ctx)
		close(done)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(func() { h.stop() })
}

func (h *harness) insertOutbound(t *testing.T, recipients ...[]byte) *store.EncodedMessage {
	f := &wire.Frame{
		Sender: h.alice.Hashed,
		Device: 1,
		Nonce:  []byte("nonce"),
		Body:   []byte("ciphertext"),
		Sig:    []byte("signature"),
	}
	for _, r := range recipients {
		f.Wraps = append(f.Wraps, wire.Wrap{Recipient: r, Enc: []byte("e"), Key: []byte("k")})
	}
	enc := &store.EncodedMessage{ID: h.store.NewEncodedID(), Raw: f.Render(), Outbound: true}
	b := h.store.Batch()
	assert.Nil(t, h.store.PutEncoded(b, enc))
	assert.Nil(t, h.store.Commit(b))
	_ = b.Close()
	h.hub.Raise(utils.SigEncodedReady)
	return enc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func TestPublishAndConfirm(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t)
	waitFor(t, "connect", func() bool { return h.tr.Status() == Connected })

	enc := h.insertOutbound(t, h.bob)
	waitFor(t, "publish", func() bool { return h.ch.publishCount() == 1 })

	pub := h.publishedTopology(t)
	assert.Equal(t, GroupExchange(wire.CapabilityHash([][]byte{h.bob})), pub.Exchange)

	// duplicate wakes must not publish a second copy of an in-flight message
	h.hub.Raise(utils.SigEncodedReady)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.ch.publishCount())

	h.ch.confirms <- Confirmation{Tag: pub.Tag, Ack: true}
	waitFor(t, "ack bookkeeping", func() bool {
		row, err := h.store.GetEncoded(enc.ID)
		return err == nil && row.Processed
	})
	assert.Equal(t, uint64(1), h.hub.Raised(utils.SigFeedUpdated))
}

func (h *harness) publishedTopology(t *testing.T) fakePublish {
	pub := h.ch.publishAt(0)

	h.ch.lock.Lock()
	defer h.ch.lock.Unlock()
	group := pub.Exchange
	assert.True(t, h.ch.fanouts[group])
	ident := IdentityExchange(h.bob)
	assert.True(t, h.ch.fanouts[ident])
	assert.Contains(t, h.ch.exBinds[group], ident)
	assert.True(t, h.ch.queues[DeviceQueue([]byte("salt"), 1)])
	assert.Contains(t, h.ch.queueBinds[DeviceQueue([]byte("salt"), 1)], IdentityExchange(h.alice.Hashed))
	return pub
}

func TestNackRepublishes(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t)
	waitFor(t, "connect", func() bool { return h.tr.Status() == Connected })

	enc := h.insertOutbound(t, h.bob)
	waitFor(t, "publish", func() bool { return h.ch.publishCount() == 1 })

	h.ch.confirms <- Confirmation{Tag: h.ch.publishAt(0).Tag, Ack: false}

	// wakes inside the nack backoff window must not republish early
	h.hub.Raise(utils.SigEncodedReady)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.ch.publishCount())

	waitFor(t, "republish", func() bool { return h.ch.publishCount() == 2 })

	h.ch.confirms <- Confirmation{Tag: h.ch.publishAt(1).Tag, Ack: true}
	waitFor(t, "ack bookkeeping", func() bool {
		row, err := h.store.GetEncoded(enc.ID)
		return err == nil && row.Processed
	})
}

func TestPublishFailureBacksOff(t *testing.T) {
	h := newHarness(t, 0)
	h.ch.fail = 1
	h.run(t)
	waitFor(t, "connect", func() bool { return h.tr.Status() == Connected })

	enc := h.insertOutbound(t, h.bob)
	waitFor(t, "first attempt", func() bool { return h.ch.attemptCount() == 1 })

	// wakes during the backoff window must not retry early
	h.hub.Raise(utils.SigEncodedReady)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.ch.attemptCount())

	waitFor(t, "retry after backoff", func() bool { return h.ch.publishCount() == 1 })
	h.ch.confirms <- Confirmation{Tag: h.ch.publishAt(0).Tag, Ack: true}
	waitFor(t, "ack bookkeeping", func() bool {
		row, err := h.store.GetEncoded(enc.ID)
		return err == nil && row.Processed
	})
}

func TestReceiveInsertsInbound(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t)
	waitFor(t, "connect", func() bool { return h.tr.Status() == Connected })

	var acked bool
	var lock sync.Mutex
	h.ch.deliveries <- Delivery{
		Body: []byte("inbound frame"),
		Ack: func() error {
			lock.Lock()
			defer lock.Unlock()
			acked = true
			return nil
		},
	}

	waitFor(t, "inbound insert", func() bool {
		rows, err := h.store.ScanUnprocessedEncoded(false)
		return err == nil && len(rows) == 1
	})
	rows, _ := h.store.ScanUnprocessedEncoded(false)
	assert.Equal(t, []byte("inbound frame"), rows[0].Raw)
	waitFor(t, "broker ack", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return acked
	})
	assert.Equal(t, uint64(1), h.hub.Raised(utils.SigEncodedReceived))
}

func TestReceiveFailureTriggersReconnect(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t)
	waitFor(t, "connect", func() bool { return h.tr.Status() == Connected })

	h.ch.deliveries <- Delivery{
		Body: []byte("inbound frame"),
		Ack:  func() error { return errors.New("channel gone") },
	}

	// a failed ack ends the session; the broker requeues on the next one
	waitFor(t, "redial", func() bool {
		h.hub.Raise(utils.SigNetworkChanged)
		return h.dialer.dialCount() >= 2 && h.tr.Status() == Connected
	})
}

func TestHoldingQueueDrainedOnConnect(t *testing.T) {
	h := newHarness(t, 0)
	h.ch.held[HoldingQueue(h.alice.Hashed)] = [][]byte{[]byte("held frame")}
	h.run(t)

	waitFor(t, "held message insert", func() bool {
		rows, err := h.store.ScanUnprocessedEncoded(false)
		return err == nil && len(rows) == 1
	})
}

func TestReconnectBackoff(t *testing.T) {
	h := newHarness(t, 2)
	h.run(t)

	// the network-changed signal cuts the retry delay short
	waitFor(t, "reconnect", func() bool {
		h.hub.Raise(utils.SigNetworkChanged)
		return h.tr.Status() == Connected
	})
	assert.GreaterOrEqual(t, h.hub.Raised(utils.SigNotConnected), uint64(2))
}

func TestUnroutableOutboundDropped(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t)
	waitFor(t, "connect", func() bool { return h.tr.Status() == Connected })

	enc := h.insertOutbound(t) // no recipients
	waitFor(t, "drop", func() bool {
		_, err := h.store.GetEncoded(enc.ID)
		return err == store.ErrNotFound
	})
	assert.Equal(t, 0, h.ch.publishCount())
}
