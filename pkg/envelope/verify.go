package envelope

import "fmt"

// Chain break reasons reported by VerifyChain.
const (
	BreakSeqGap            = "seq_gap"
	BreakPrevHashMismatch  = "prev_hash_mismatch"
	BreakEventHashMismatch = "event_hash_mismatch"
)

// ChainBreak pinpoints the first position at which a stream fails
// verification.
type ChainBreak struct {
	StreamSeq int64  `json:"stream_seq"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail"`
}

func (b *ChainBreak) Error() string {
	return fmt.Sprintf("chain broken at seq %d: %s (%s)", b.StreamSeq, b.Reason, b.Detail)
}

// VerifyChain walks events, which must be a single stream's events in
// ascending sequence order starting at firstSeq, recomputing every hash and
// checking linkage. It returns the first break found, or nil when the chain
// holds. prevHash is the hash of the event at firstSeq-1 (nil when
// firstSeq == 1). Verification halts at the first mismatch.
func VerifyChain(events []*Envelope, firstSeq int64, prevHash *string) (*ChainBreak, error) {
	expectSeq := firstSeq
	for _, ev := range events {
		if ev.StreamSeq != expectSeq {
			return &ChainBreak{
				StreamSeq: expectSeq,
				Reason:    BreakSeqGap,
				Detail:    fmt.Sprintf("expected seq %d, found %d", expectSeq, ev.StreamSeq),
			}, nil
		}

		switch {
		case prevHash == nil && ev.PrevEventHash != nil:
			return &ChainBreak{
				StreamSeq: ev.StreamSeq,
				Reason:    BreakPrevHashMismatch,
				Detail:    "expected null prev_event_hash on first event",
			}, nil
		case prevHash != nil && (ev.PrevEventHash == nil || *ev.PrevEventHash != *prevHash):
			return &ChainBreak{
				StreamSeq: ev.StreamSeq,
				Reason:    BreakPrevHashMismatch,
				Detail:    "prev_event_hash does not match prior event_hash",
			}, nil
		}

		computed, err := ev.ComputeHash()
		if err != nil {
			return nil, fmt.Errorf("recomputing hash at seq %d: %w", ev.StreamSeq, err)
		}
		if computed != ev.EventHash {
			return &ChainBreak{
				StreamSeq: ev.StreamSeq,
				Reason:    BreakEventHashMismatch,
				Detail:    "stored event_hash does not match recomputed hash",
			}, nil
		}

		h := ev.EventHash
		prevHash = &h
		expectSeq++
	}
	return nil, nil
}
