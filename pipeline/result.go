// Package pipeline holds the three stage workers that turn local
// objects into encoded wire messages and inbound wire messages back
// into finalized objects. Stages share nothing in process but the
// durable store and the signal hub.
package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mobisocial/Musubi-Android-sub001/keys"
)

type Status int

const (
	// Done: the unit of work is complete (or was already complete).
	Done Status = iota
	// Deferred: a key is missing; acquisition is scheduled and the unit
	// stays pending for the next rescan.
	Deferred
	// Rejected: a required record is gone; the object was ejected.
	Rejected
	// Discarded: terminal local failure; the encoded message was deleted.
	Discarded
	// Parked: waiting for a parent object to appear.
	Parked
)

func (s Status) String() string {
	return []string{"done", "deferred", "rejected", "discarded", "parked"}[s]
}

// Result is the tagged outcome of one stage invocation; callers branch
// on Status instead of error types.
type Result struct {
	Status  Status
	Missing *keys.Request
	Reason  string
}

func done() Result {
	return Result{Status: Done}
}

func deferred(r keys.Request) Result {
	return Result{Status: Deferred, Missing: &r}
}

func rejected(reason string) Result {
	return Result{Status: Rejected, Reason: reason}
}

func discarded(reason string) Result {
	return Result{Status: Discarded, Reason: reason}
}

func parked() Result {
	return Result{Status: Parked}
}

func stageCounter(stage string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "musubi_pipeline_results_total",
		Help:        "Stage invocation results",
		ConstLabels: prometheus.Labels{"stage": stage},
	}, []string{"outcome"})
}
