package e2ee

import (
	"encoding/base64"

	"sync"

	"github.com/sirupsen/logrus"

	"conference-e2ee/common"
	"conference-e2ee/configs"
	"conference-e2ee/crypto/aes256"
	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/protocol/ratchet"
)

// Manager owns the pairwise channel state machines: it drives the hybrid
// handshake with every e2ee-capable participant, distributes and rotates the
// local media key, runs SAS verifications and demultiplexes all inbound
// protocol messages. One Manager per conference.
//
// All state is guarded by a single mutex; every public method and every
// dispatched message runs to completion under it, so per-peer transitions
// are protected by the explicit stage guards rather than finer locking.
type Manager struct {
	mu      sync.Mutex
	conf    Conference
	logger  *logrus.Logger
	account *ratchet.Account

	peers    map[string]*peerState
	pending  *pendingRegistry
	mediaKey *MediaKey

	events       chan Event
	closed       bool
	bootstrapped bool
}

// NewManager wires a manager to its conference. identity is the long-term
// signing key pair; nil generates a fresh one. logger nil falls back to a
// default logrus logger.
func NewManager(conf Conference, identity *key_ed25519.Pair, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var (
		account *ratchet.Account
		err     error
	)
	if identity != nil {
		account, err = ratchet.NewAccountFromIdentity(*identity)
	} else {
		account, err = ratchet.NewAccount()
	}
	if err != nil {
		return nil, err
	}

	return &Manager{
		conf:    conf,
		logger:  logger,
		account: account,
		peers:   make(map[string]*peerState),
		pending: newPendingRegistry(configs.RequestTimeout),
		events:  make(chan Event, configs.EventBufferSize),
	}, nil
}

// Bootstrap seeds the local media key, publishes the identity key as a
// conference property and opens handshakes toward every e2ee-capable
// participant the initiation order makes us responsible for.
func (m *Manager) Bootstrap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bootstrapped {
		return nil
	}

	classical, err := aes256.NewKey()
	if err != nil {
		return err
	}
	pq, err := aes256.NewKey()
	if err != nil {
		return err
	}
	m.mediaKey = newMediaKey(classical, pq, 0)

	idKey := base64.StdEncoding.EncodeToString(m.account.IdentityKey())
	if err := m.conf.SetLocalProperty(configs.IdentityKeyProperty, idKey); err != nil {
		return err
	}
	m.bootstrapped = true

	localID := m.conf.LocalID()
	for _, pid := range m.conf.Participants() {
		if pid == localID || !m.conf.HasFeature(pid, configs.FeatureE2EE) {
			continue
		}
		if localID < pid {
			if err := m.initiateHandshake(pid); err != nil {
				m.logger.Errorf("handshake with %s failed to start: %v", pid, err)
			}
		}
	}
	return nil
}

// Events returns the upward notification channel. It is closed when the
// local participant leaves.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// HandleMessage dispatches one inbound opaque message from a peer. Failures
// are contained to that peer: they are logged and answered with an error
// message, never propagated.
func (m *Manager) HandleMessage(from string, raw []byte) {
	env, err := common.ParseEnvelope(raw)
	if err != nil {
		m.logger.Warnf("dropping malformed message from %s: %v", from, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.bootstrapped {
		m.logger.Warnf("dropping %s from %s: not bootstrapped", env.Type, from)
		return
	}

	switch env.Type {
	case common.TypeSessionInit:
		err = m.onSessionInit(from, env)
	case common.TypePQSessionInit:
		err = m.onPQSessionInit(from, env)
	case common.TypePQSessionAck:
		err = m.onPQSessionAck(from, env)
	case common.TypeSessionAck:
		err = m.onSessionAck(from, env)
	case common.TypeKeyInfo:
		err = m.onKeyInfo(from, env)
	case common.TypeKeyInfoAck:
		err = m.onKeyInfoAck(from, env)
	case common.TypeError:
		err = m.onError(from, env)
	case common.TypeSasStart:
		err = m.onSasStart(from, env)
	case common.TypeSasAccept:
		err = m.onSasAccept(from, env)
	case common.TypeSasKey:
		err = m.onSasKey(from, env)
	case common.TypeSasMac:
		err = m.onSasMac(from, env)
	}
	if err != nil {
		m.logger.Errorf("handling %s from %s failed: %v", env.Type, from, err)
	}
}

// ClearSession releases the channel with a peer. The next contact starts
// from a clean slate.
func (m *Manager) ClearSession(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearPeer(peerID)
}

// OnParticipantLeft releases all state held for a departed participant.
func (m *Manager) OnParticipantLeft(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearPeer(peerID)
}

// OnLocalLeft shuts the manager down: every session is released, the
// account is wiped and the event channel is closed.
func (m *Manager) OnLocalLeft() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.peers {
		m.clearPeer(id)
	}
	m.account.Free()
	m.bootstrapped = false
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

// OnPropertyChanged reacts to participant presence updates. A peer
// publishing its identity key is the signal that it is ready for a
// handshake.
func (m *Manager) OnPropertyChanged(peerID, name, value string) {
	if name != configs.IdentityKeyProperty || value == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.bootstrapped {
		return
	}
	localID := m.conf.LocalID()
	if peerID == localID || localID >= peerID {
		return
	}
	if !m.conf.HasFeature(peerID, configs.FeatureE2EE) {
		return
	}
	if m.peer(peerID).stage != stageNone {
		return
	}
	if err := m.initiateHandshake(peerID); err != nil {
		m.logger.Errorf("handshake with %s failed to start: %v", peerID, err)
	}
}

// clearPeer fails any pending request, returns the pledged one-time key and
// releases the peer's sessions. Caller holds m.mu.
func (m *Manager) clearPeer(peerID string) {
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	if p.pendingUUID != "" {
		m.pending.fail(p.pendingUUID)
	}
	if p.oneTimeKeyID != "" {
		m.account.DiscardOneTimeKey(p.oneTimeKeyID)
	}
	p.release()
	delete(m.peers, peerID)
}

// peer returns the state for a participant, creating it on first contact.
// Caller holds m.mu.
func (m *Manager) peer(id string) *peerState {
	p, ok := m.peers[id]
	if !ok {
		p = &peerState{id: id}
		m.peers[id] = p
	}
	return p
}

// emit hands an event upward without ever blocking the protocol: if the
// buffer is full the event is dropped with a warning.
func (m *Manager) emit(ev Event) {
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warnf("event buffer full, dropping %s for %s", ev.Kind, ev.PeerID)
	}
}

// send marshals a payload into an envelope and hands it to the conference.
func (m *Manager) send(to string, t common.MessageType, payload any) error {
	env, err := common.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return m.conf.SendMessage(raw, to)
}

// sendError answers a peer with a protocol error message. Failures to
// deliver the error are only logged; there is nothing better to do.
func (m *Manager) sendError(to, uuid, message string) {
	if err := m.send(to, common.TypeError, common.ErrorMessage{UUID: uuid, Error: message}); err != nil {
		m.logger.Errorf("sending error to %s failed: %v", to, err)
	}
}

// adFor returns the associated data binding a peer's ratchet messages to
// the two identities, initiator's key first on both sides.
func (m *Manager) adFor(p *peerState) []byte {
	local := m.account.IdentityKey()
	if p.initiator {
		return append(append([]byte{}, local...), p.identityKey...)
	}
	return append(append([]byte{}, p.identityKey...), local...)
}
