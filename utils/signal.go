package utils

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("[musubi] closed")

// Signal is a one-slot wake channel. Raising an already-raised signal
// is a no-op, so any burst of notifications coalesces into a single
// wakeup and the woken worker re-scans its whole backlog.
type Signal chan struct{}

func NewSignal() Signal {
	return make(Signal, 1)
}

func (s Signal) Raise() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// Wait exposes the receive side for use in select statements.
func (s Signal) Wait() <-chan struct{} {
	return s
}

type SignalName string

const (
	SigObjectReady     SignalName = "object-ready"
	SigEncodedReady    SignalName = "encoded-ready"
	SigEncodedReceived SignalName = "encoded-received"
	SigDecodedReady    SignalName = "decoded-ready"
	SigKeysChanged     SignalName = "keys-changed"
	SigNetworkChanged  SignalName = "network-changed"
	SigFeedUpdated     SignalName = "feed-updated"
	SigUploadReady     SignalName = "upload-ready"
	SigNotConnected    SignalName = "not-connected"
)

// Hub fans named signals out to subscribed stage workers. Delivery is
// at-least-once: duplicates and reordering are harmless because every
// receiver is level-triggered.
type Hub struct {
	lock  sync.Mutex
	subs  map[SignalName][]Signal
	gauge map[SignalName]uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[SignalName][]Signal), gauge: make(map[SignalName]uint64)}
}

func (h *Hub) Subscribe(names ...SignalName) Signal {
	s := NewSignal()
	h.lock.Lock()
	for _, name := range names {
		h.subs[name] = append(h.subs[name], s)
	}
	h.lock.Unlock()
	return s
}

func (h *Hub) Raise(name SignalName) {
	h.lock.Lock()
	subs := h.subs[name]
	h.gauge[name]++
	h.lock.Unlock()
	for _, s := range subs {
		s.Raise()
	}
}

// Raised reports how many times a signal was raised, for tests and debug.
func (h *Hub) Raised(name SignalName) uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.gauge[name]
}
