package stream

import (
	"sync"

	json "github.com/goccy/go-json"
)

// frameHandler receives the elements of a data frame after the channel id.
type frameHandler func(fields []json.RawMessage)

type subState int

const (
	stateDesired subState = iota
	statePending
	stateActive
)

func (s subState) String() string {
	switch s {
	case stateDesired:
		return "desired"
	case statePending:
		return "pending"
	case stateActive:
		return "active"
	default:
		return "unknown"
	}
}

type subscription struct {
	key     SubKey
	state   subState
	handler frameHandler
	sockID  string
	chanID  int64
}

// bindingKey scopes a channel id to its socket; channel ids are reused
// across sockets and must never route alone.
type bindingKey struct {
	sockID string
	chanID int64
}

// registry tracks desired versus live subscriptions and the (socket,
// channel id) bindings serving them. One coarse mutex guards all state.
type registry struct {
	mu       sync.Mutex
	subs     map[SubKey]*subscription
	bindings map[bindingKey]*subscription
}

func newRegistry() *registry {
	return &registry{
		subs:     make(map[SubKey]*subscription),
		bindings: make(map[bindingKey]*subscription),
	}
}

// upsert records the key as desired. For a key already pending or active
// it only refreshes the handler and reports true.
func (r *registry) upsert(key SubKey, h frameHandler) (alreadyInFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		r.subs[key] = &subscription{key: key, state: stateDesired, handler: h}
		return false
	}
	sub.handler = h
	return sub.state == statePending || sub.state == stateActive
}

// markPending assigns the subscription to a socket ahead of the subscribe
// frame; false when the key is gone or already in flight.
func (r *registry) markPending(key SubKey, sockID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok || sub.state != stateDesired {
		return false
	}
	sub.state = statePending
	sub.sockID = sockID
	return true
}

// demote returns a pending subscription to desired after a failed send.
func (r *registry) demote(key SubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[key]; ok && sub.state == statePending {
		sub.state = stateDesired
		sub.sockID = ""
	}
}

// bind records the channel id the exchange assigned and marks the
// subscription active.
func (r *registry) bind(key SubKey, sockID string, chanID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		return false
	}
	if sub.state == statePending && sub.sockID != sockID {
		return false
	}
	sub.state = stateActive
	sub.sockID = sockID
	sub.chanID = chanID
	r.bindings[bindingKey{sockID: sockID, chanID: chanID}] = sub
	return true
}

// lookup resolves a data frame to its handler, scoped by socket identity.
func (r *registry) lookup(sockID string, chanID int64) frameHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.bindings[bindingKey{sockID: sockID, chanID: chanID}]
	if !ok {
		return nil
	}
	return sub.handler
}

// remove drops the key from desired state, returning the binding for an
// active subscription so the caller can release the channel.
func (r *registry) remove(key SubKey) (sockID string, chanID int64, wasActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		return "", 0, false
	}
	delete(r.subs, key)
	if sub.state == stateActive {
		delete(r.bindings, bindingKey{sockID: sub.sockID, chanID: sub.chanID})
		return sub.sockID, sub.chanID, true
	}
	return "", 0, false
}

// dropSocket clears a dead socket's bindings and demotes its
// subscriptions back to desired, returning the demoted keys.
func (r *registry) dropSocket(sockID string) []SubKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var demoted []SubKey
	for bk := range r.bindings {
		if bk.sockID == sockID {
			delete(r.bindings, bk)
		}
	}
	for key, sub := range r.subs {
		if sub.sockID != sockID {
			continue
		}
		if sub.state == statePending || sub.state == stateActive {
			sub.state = stateDesired
			sub.sockID = ""
			sub.chanID = 0
			demoted = append(demoted, key)
		}
	}
	return demoted
}

// resetBindings drops every binding and returns every subscription to
// desired; the desired set itself is preserved.
func (r *registry) resetBindings() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings = make(map[bindingKey]*subscription)
	for _, sub := range r.subs {
		sub.state = stateDesired
		sub.sockID = ""
		sub.chanID = 0
	}
}

// desired snapshots every key regardless of connection health.
func (r *registry) desired() []SubKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]SubKey, 0, len(r.subs))
	for key := range r.subs {
		keys = append(keys, key)
	}
	return keys
}

// idle snapshots keys with no subscribe frame in flight; the
// reconciliation pass re-issues these.
func (r *registry) idle() []SubKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []SubKey
	for key, sub := range r.subs {
		if sub.state == stateDesired {
			keys = append(keys, key)
		}
	}
	return keys
}

// countBySocket reports the in-flight and active subscriptions per socket
// for least-loaded selection.
func (r *registry) countBySocket() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, sub := range r.subs {
		if sub.sockID == "" {
			continue
		}
		if sub.state == statePending || sub.state == stateActive {
			counts[sub.sockID]++
		}
	}
	return counts
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
