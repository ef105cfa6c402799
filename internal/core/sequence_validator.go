package core

import (
	"fmt"
	"time"
)

// SequenceValidator checks caller-assigned call sequences and the ordering of
// price observations.
// Not thread-safe — only accessed from the contract's single writer.
type SequenceValidator struct {
	expectedNextSeq map[string]int64     // partition -> next expected sequence
	lastFeedTime    map[string]time.Time // product -> latest observation seen
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		lastFeedTime:    make(map[string]time.Time),
	}
}

// ValidateSequence checks a caller-assigned sequence. Zero means the caller
// does not order its calls and is always accepted.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64) error {
	if sourceSequence == 0 {
		return nil
	}
	expected, seen := sv.expectedNextSeq[partition]
	if !seen {
		expected = 1
	}

	switch {
	case sourceSequence < expected:
		return fmt.Errorf("out-of-order call: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	case sourceSequence > expected:
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}
	return nil
}

// Advance records that sourceSequence was committed.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence == 0 {
		return
	}
	sv.expectedNextSeq[partition] = sourceSequence + 1
}

// ValidateFeedTime rejects an observation older than one already used.
// Gaps are fine; feeds publish at their own cadence.
func (sv *SequenceValidator) ValidateFeedTime(product string, t time.Time) error {
	if last, ok := sv.lastFeedTime[product]; ok && t.Before(last) {
		return fmt.Errorf("%w: %s observation at %s precedes %s", ErrStalePrice, product, t, last)
	}
	return nil
}

func (sv *SequenceValidator) ObserveFeedTime(product string, t time.Time) {
	if last, ok := sv.lastFeedTime[product]; !ok || t.After(last) {
		sv.lastFeedTime[product] = t
	}
}

// Partitions returns the next expected sequence of every partition.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}
