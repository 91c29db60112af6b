package utils

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	MinRetryPeriod = time.Second / 2
	MaxRetryPeriod = time.Minute
)

func NewBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = MinRetryPeriod
	b.MaxInterval = MaxRetryPeriod
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// BackoffSet keeps one exponential backoff track per key, so unrelated
// failure classes (or identities) never mask each other's retry state.
type BackoffSet struct {
	lock   sync.Mutex
	tracks map[string]*backoff.ExponentialBackOff
}

func NewBackoffSet() *BackoffSet {
	return &BackoffSet{tracks: make(map[string]*backoff.ExponentialBackOff)}
}

// Next returns the delay before the next attempt on the given track and
// advances the track.
func (s *BackoffSet) Next(track string) time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	b, ok := s.tracks[track]
	if !ok {
		b = NewBackoff()
		s.tracks[track] = b
	}
	return b.NextBackOff()
}

// Reset drops a track back to the minimum delay. Called on success of
// that track only.
func (s *BackoffSet) Reset(track string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if b, ok := s.tracks[track]; ok {
		b.Reset()
	}
}

// ResetAll drops every track, for the network-changed signal.
func (s *BackoffSet) ResetAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, b := range s.tracks {
		b.Reset()
	}
}
