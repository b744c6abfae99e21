// Package outcome decides, per queue message, whether it may be acknowledged.
//
// A message is acknowledged only when its body parsed cleanly, it was not
// skipped, and every object it referenced transferred successfully. Anything
// else leaves it on the queue for redelivery.
package outcome

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tunnelmesh/s3relay/internal/objstore"
	"github.com/tunnelmesh/s3relay/internal/transfer"
)

// ErrInvariant is returned by Result when the batch accounting is inconsistent.
// It indicates a bug and should fail the whole invocation.
var ErrInvariant = errors.New("batch outcome invariant violated")

// FailedMessage is a message left unacknowledged.
type FailedMessage struct {
	MessageID string
	Detail    string
	Kind      objstore.Kind
}

// BatchResult summarizes one invocation.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    []FailedMessage

	// Acknowledge lists the ids that may be removed from the queue, in arrival order.
	Acknowledge []string

	Transfers        int
	TransferFailures int
	Bytes            int64
}

// FailedIDs returns the ids of the unacknowledged messages in arrival order.
func (r *BatchResult) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.MessageID
	}
	return ids
}

type messageState struct {
	id       string
	parseErr error
	skip     string
	outcomes []transfer.Outcome
}

func (m *messageState) acknowledged() bool {
	if m.parseErr != nil || m.skip != "" {
		return false
	}
	for _, o := range m.outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// failure returns the joined failure detail and the most severe kind.
func (m *messageState) failure() (string, objstore.Kind) {
	var details []string
	kind := objstore.KindNone
	worse := func(k objstore.Kind) {
		if k.Severity() > kind.Severity() {
			kind = k
		}
	}

	if m.skip != "" {
		details = append(details, m.skip)
		worse(objstore.KindTransient)
	}
	if m.parseErr != nil {
		details = append(details, "parse: "+m.parseErr.Error())
		worse(objstore.KindParse)
	}
	for _, o := range m.outcomes {
		if o.OK() {
			continue
		}
		detail := o.Detail
		if detail == "" {
			detail = "transfer failed"
		}
		details = append(details, o.Reference.String()+": "+detail)
		k := o.Kind
		if k == objstore.KindNone {
			k = objstore.KindTransient
		}
		worse(k)
	}
	return strings.Join(details, "; "), kind
}

// Tracker accumulates per-message results for one invocation. It is safe for
// concurrent use.
type Tracker struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*messageState
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{messages: make(map[string]*messageState)}
}

// Begin registers a message. Messages are reported in the order they began.
func (t *Tracker) Begin(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(id)
}

// ParseFailed records that the message body could not be fully parsed.
func (t *Tracker) ParseFailed(id string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(id)
	st.parseErr = errors.Join(st.parseErr, err)
}

// Record adds a transfer outcome for the message.
func (t *Tracker) Record(id string, out transfer.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(id)
	st.outcomes = append(st.outcomes, out)
}

// Skip marks a message that was never started.
func (t *Tracker) Skip(id, reason string) {
	if reason == "" {
		reason = "not started"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(id).skip = reason
}

// state must be called with mu held. Unknown ids are registered on first use
// so no outcome can be lost.
func (t *Tracker) state(id string) *messageState {
	st, ok := t.messages[id]
	if !ok {
		st = &messageState{id: id}
		t.messages[id] = st
		t.order = append(t.order, id)
	}
	return st
}

// Result classifies every registered message and checks the accounting.
func (t *Tracker) Result() (*BatchResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := &BatchResult{Total: len(t.order)}
	for _, id := range t.order {
		st := t.messages[id]
		for _, o := range st.outcomes {
			res.Transfers++
			if o.OK() {
				res.Bytes += o.Bytes
			} else {
				res.TransferFailures++
			}
		}

		if st.acknowledged() {
			res.Succeeded++
			res.Acknowledge = append(res.Acknowledge, id)
			continue
		}
		detail, kind := st.failure()
		res.Failed = append(res.Failed, FailedMessage{MessageID: id, Detail: detail, Kind: kind})
	}

	if err := t.verify(res); err != nil {
		return res, err
	}
	return res, nil
}

// verify must be called with mu held.
func (t *Tracker) verify(res *BatchResult) error {
	if res.Succeeded+len(res.Failed) != res.Total {
		return fmt.Errorf("%w: %d succeeded + %d failed != %d total",
			ErrInvariant, res.Succeeded, len(res.Failed), res.Total)
	}
	if len(res.Acknowledge) != res.Succeeded {
		return fmt.Errorf("%w: %d acknowledged but %d succeeded", ErrInvariant, len(res.Acknowledge), res.Succeeded)
	}

	failed := make(map[string]bool, len(res.Failed))
	for _, f := range res.Failed {
		if failed[f.MessageID] {
			return fmt.Errorf("%w: message %s failed twice", ErrInvariant, f.MessageID)
		}
		if f.Detail == "" {
			return fmt.Errorf("%w: message %s failed without detail", ErrInvariant, f.MessageID)
		}
		failed[f.MessageID] = true
	}
	for _, id := range res.Acknowledge {
		if failed[id] {
			return fmt.Errorf("%w: message %s both acknowledged and failed", ErrInvariant, id)
		}
	}
	for id, st := range t.messages {
		if !st.acknowledged() && !failed[id] {
			return fmt.Errorf("%w: failed message %s missing from result", ErrInvariant, id)
		}
	}
	return nil
}
