package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalCoalesces(t *testing.T) {
	s := NewSignal()
	s.Raise()
	s.Raise()
	s.Raise()

	<-s.Wait()
	select {
	case <-s.Wait():
		t.Fatal("burst of raises must coalesce into one wakeup")
	default:
	}

	s.Raise()
	<-s.Wait()
}

func TestHubFanout(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe(SigObjectReady, SigKeysChanged)
	b := hub.Subscribe(SigObjectReady)

	hub.Raise(SigObjectReady)
	<-a.Wait()
	<-b.Wait()

	hub.Raise(SigKeysChanged)
	<-a.Wait()
	select {
	case <-b.Wait():
		t.Fatal("signal delivered to a non-subscriber")
	default:
	}

	assert.Equal(t, uint64(1), hub.Raised(SigObjectReady))
	assert.Equal(t, uint64(1), hub.Raised(SigKeysChanged))
	assert.Equal(t, uint64(0), hub.Raised(SigFeedUpdated))
}

func TestHubRaiseWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Raise(SigFeedUpdated)
	assert.Equal(t, uint64(1), hub.Raised(SigFeedUpdated))
}
