// Package bus carries fact-change triggers from the write path to the scorer.
// Producers never block; a single consumer coalesces triggers per
// (gene, cancer type) pair and rescores each pair once per window.
package bus

import (
	"math"
	"time"
)

// TriggerKind identifies the fact change that produced a trigger
type TriggerKind string

// Trigger kinds
const (
	KindNewFact           TriggerKind = "new_fact"
	KindConfidenceChanged TriggerKind = "confidence_changed"
)

// Trigger is a request to re-evaluate the pairs touched by a fact change
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	FactID     int64       `json:"fact_id"`
	Subject    string      `json:"subject"`
	Object     string      `json:"object,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Old        float64     `json:"old,omitempty"`
	New        float64     `json:"new,omitempty"`
	At         time.Time   `json:"at"`
}

// NewFact builds a trigger for a newly inserted fact
func NewFact(factID int64, subject, object string, confidence float64) Trigger {
	return Trigger{
		Kind:       KindNewFact,
		FactID:     factID,
		Subject:    subject,
		Object:     object,
		Confidence: confidence,
		At:         time.Now().UTC(),
	}
}

// ConfidenceChanged builds a trigger for a fact whose confidence moved
func ConfidenceChanged(factID int64, subject string, oldConf, newConf float64) Trigger {
	return Trigger{
		Kind:    KindConfidenceChanged,
		FactID:  factID,
		Subject: subject,
		Old:     oldConf,
		New:     newConf,
		At:      time.Now().UTC(),
	}
}

// Thresholds decide which triggers are worth a rescore
type Thresholds struct {
	NewFact float64
	Delta   float64
}

// DefaultThresholds are the standard materiality thresholds
var DefaultThresholds = Thresholds{NewFact: 0.05, Delta: 0.05}

// thresholdEpsilon absorbs float rounding, so a change of exactly the
// threshold never passes whichever confidences produced it
const thresholdEpsilon = 1e-9

// Passes reports whether t strictly exceeds the thresholds
func (th Thresholds) Passes(t Trigger) bool {
	switch t.Kind {
	case KindNewFact:
		return t.Confidence-th.NewFact > thresholdEpsilon
	case KindConfidenceChanged:
		return math.Abs(t.New-t.Old)-th.Delta > thresholdEpsilon
	}
	return false
}
