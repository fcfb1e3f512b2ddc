package e2ee

import (
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"conference-e2ee/common"
	"conference-e2ee/configs"
)

// fakeNetwork wires managers together in-process. Deliveries are queued and
// drained only by run(), never inside a manager call, so every exchange is
// deterministic and mirrors the one-message-at-a-time dispatch of a real
// transport.
type fakeNetwork struct {
	mu       sync.Mutex
	managers map[string]*Manager
	features map[string]bool
	queue    []func()
	sent     []sentRecord

	// tamper rewrites an in-flight payload; returning nil drops it.
	tamper func(from, to string, payload []byte) []byte
}

type sentRecord struct {
	from, to string
	msgType  common.MessageType
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		managers: make(map[string]*Manager),
		features: make(map[string]bool),
	}
}

// run drains the delivery queue, including anything enqueued while draining.
func (n *fakeNetwork) run() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		next := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		next()
	}
}

func (n *fakeNetwork) setTamper(fn func(from, to string, payload []byte) []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tamper = fn
}

// sentBetween lists the message types one participant sent to another.
func (n *fakeNetwork) sentBetween(from, to string) []common.MessageType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var types []common.MessageType
	for _, rec := range n.sent {
		if rec.from == from && rec.to == to {
			types = append(types, rec.msgType)
		}
	}
	return types
}

// fakeEndpoint is one participant's view of the fake network.
type fakeEndpoint struct {
	net *fakeNetwork
	id  string
}

func (e *fakeEndpoint) LocalID() string { return e.id }

func (e *fakeEndpoint) Participants() []string {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	var ids []string
	for id := range e.net.managers {
		if id != e.id {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *fakeEndpoint) HasFeature(participantID, feature string) bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return feature == configs.FeatureE2EE && e.net.features[participantID]
}

func (e *fakeEndpoint) SendMessage(payload []byte, participantID string) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()

	if e.net.tamper != nil {
		payload = e.net.tamper(e.id, participantID, payload)
		if payload == nil {
			return nil
		}
	}
	if env, err := common.ParseEnvelope(payload); err == nil {
		e.net.sent = append(e.net.sent, sentRecord{from: e.id, to: participantID, msgType: env.Type})
	}

	from, to, data := e.id, participantID, payload
	e.net.queue = append(e.net.queue, func() {
		e.net.mu.Lock()
		target := e.net.managers[to]
		e.net.mu.Unlock()
		if target != nil {
			target.HandleMessage(from, data)
		}
	})
	return nil
}

func (e *fakeEndpoint) SetLocalProperty(name, value string) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	for id, mgr := range e.net.managers {
		if id == e.id {
			continue
		}
		target := mgr
		from := e.id
		e.net.queue = append(e.net.queue, func() {
			target.OnPropertyChanged(from, name, value)
		})
	}
	return nil
}

func newTestManager(t *testing.T, n *fakeNetwork, id string) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m, err := NewManager(&fakeEndpoint{net: n, id: id}, nil, logger)
	assert.NoError(t, err)

	n.mu.Lock()
	n.managers[id] = m
	n.features[id] = true
	n.mu.Unlock()
	return m
}

// newTestPair returns two managers with an established channel between them.
func newTestPair(t *testing.T) (*fakeNetwork, *Manager, *Manager) {
	t.Helper()
	net := newFakeNetwork()
	alice := newTestManager(t, net, "alice")
	bob := newTestManager(t, net, "bob")

	assert.NoError(t, bob.Bootstrap())
	assert.NoError(t, alice.Bootstrap())
	net.run()
	return net, alice, bob
}

func drainEvents(m *Manager) []Event {
	var evs []Event
	for {
		select {
		case ev := <-m.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func findEvent(evs []Event, kind EventKind, peerID string) *Event {
	for i := range evs {
		if evs[i].Kind == kind && evs[i].PeerID == peerID {
			return &evs[i]
		}
	}
	return nil
}

func TestHandshakeEstablishesHybridChannel(t *testing.T) {
	_, alice, bob := newTestPair(t)

	aliceEvents := drainEvents(alice)
	bobEvents := drainEvents(bob)
	assert.NotNil(t, findEvent(aliceEvents, EventChannelReady, "bob"))
	assert.NotNil(t, findEvent(bobEvents, EventChannelReady, "alice"))

	// The acknowledgment already delivered bob's media key to alice.
	keyEv := findEvent(aliceEvents, EventKeyUpdated, "bob")
	assert.NotNil(t, keyEv)
	if keyEv != nil {
		assert.Len(t, keyEv.Key, 32)
		assert.Equal(t, 0, keyEv.Index)
	}

	assert.True(t, alice.peers["bob"].established())
	assert.True(t, bob.peers["alice"].established())
	assert.Zero(t, alice.pending.size())
	assert.Zero(t, bob.pending.size())
}

func TestHandshakeConvergesOnSamePQSecret(t *testing.T) {
	_, alice, bob := newTestPair(t)

	assert.Equal(t, alice.peers["bob"].pqSecret, bob.peers["alice"].pqSecret)
	assert.Len(t, alice.peers["bob"].pqSecret, 32)
}

func TestSessionInitOnEstablishedChannelIsRejected(t *testing.T) {
	net, alice, bob := newTestPair(t)
	drainEvents(alice)
	drainEvents(bob)

	env, err := common.NewEnvelope(common.TypeSessionInit, common.SessionInit{UUID: "dup"})
	assert.NoError(t, err)
	raw, err := env.Marshal()
	assert.NoError(t, err)

	bob.HandleMessage("alice", raw)
	net.run()

	assert.Contains(t, net.sentBetween("bob", "alice"), common.TypeError)
	assert.True(t, bob.peers["alice"].established())
	assert.True(t, alice.peers["bob"].established())
}

func TestSessionInitFromHigherIDIsRejected(t *testing.T) {
	net := newFakeNetwork()
	alice := newTestManager(t, net, "alice")
	newTestManager(t, net, "bob")
	net.mu.Lock()
	net.features["bob"] = false
	net.mu.Unlock()

	assert.NoError(t, alice.Bootstrap())
	net.run()

	env, err := common.NewEnvelope(common.TypeSessionInit, common.SessionInit{UUID: "backwards"})
	assert.NoError(t, err)
	raw, err := env.Marshal()
	assert.NoError(t, err)

	// bob carries the higher id, so a session-init from it violates the
	// initiation order.
	alice.HandleMessage("bob", raw)
	net.run()

	assert.Contains(t, net.sentBetween("alice", "bob"), common.TypeError)
	assert.Nil(t, alice.peers["bob"])
}

func TestUnknownPeerMessageDoesNotCreateState(t *testing.T) {
	net, _, bob := newTestPair(t)

	env, err := common.NewEnvelope(common.TypePQSessionInit, common.PQSessionInit{UUID: "ghost"})
	assert.NoError(t, err)
	raw, err := env.Marshal()
	assert.NoError(t, err)

	bob.HandleMessage("aaa", raw)
	net.run()

	assert.Contains(t, net.sentBetween("bob", "aaa"), common.TypeError)
	assert.Nil(t, bob.peers["aaa"])
}

func TestMalformedMessageIsDropped(t *testing.T) {
	net, alice, bob := newTestPair(t)
	before := len(net.sentBetween("bob", "alice"))

	bob.HandleMessage("alice", []byte("{not json"))
	bob.HandleMessage("alice", []byte(`{"type":"chat","envelopeType":"e2ee","data":{}}`))
	net.run()

	assert.Len(t, net.sentBetween("bob", "alice"), before)
	assert.True(t, alice.peers["bob"].established())
}

func TestHandshakeTimeoutAllowsRetry(t *testing.T) {
	net := newFakeNetwork()
	alice := newTestManager(t, net, "alice")
	bob := newTestManager(t, net, "bob")
	alice.pending = newPendingRegistry(30 * time.Millisecond)

	net.setTamper(func(from, to string, payload []byte) []byte {
		if env, err := common.ParseEnvelope(payload); err == nil && env.Type == common.TypeSessionInit {
			return nil
		}
		return payload
	})

	assert.NoError(t, bob.Bootstrap())
	assert.NoError(t, alice.Bootstrap())
	net.run()

	// The dropped init times out and clears the attempt.
	assert.Eventually(t, func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		return alice.peers["bob"].stage == stageNone
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, alice.pending.size())

	// With the network healthy again, a fresh presence update retries.
	net.setTamper(nil)
	alice.OnPropertyChanged("bob", configs.IdentityKeyProperty, "republished")
	net.run()

	assert.NotNil(t, findEvent(drainEvents(alice), EventChannelReady, "bob"))
	assert.NotNil(t, findEvent(drainEvents(bob), EventChannelReady, "alice"))
}

func TestParticipantLeftReleasesState(t *testing.T) {
	net, alice, bob := newTestPair(t)

	alice.OnParticipantLeft("bob")
	assert.Nil(t, alice.peers["bob"])

	// A fresh presence update re-establishes from scratch.
	drainEvents(alice)
	drainEvents(bob)
	bob.ClearSession("alice")
	alice.OnPropertyChanged("bob", configs.IdentityKeyProperty, "republished")
	net.run()

	assert.NotNil(t, findEvent(drainEvents(alice), EventChannelReady, "bob"))
	assert.True(t, alice.peers["bob"].established())
}

func TestOnLocalLeftClosesEvents(t *testing.T) {
	_, alice, _ := newTestPair(t)

	alice.OnLocalLeft()
	assert.Empty(t, alice.peers)

	// Channel is drained then closed.
	for {
		if _, ok := <-alice.Events(); !ok {
			break
		}
	}
	assert.ErrorIs(t, alice.StartVerification("bob"), ErrNotBootstrapped)
}
