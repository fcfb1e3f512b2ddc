package e2ee

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"conference-e2ee/crypto/aes256"
	"conference-e2ee/crypto/sha256"
)

func TestDeriveMediaKey(t *testing.T) {
	classical := []byte("classical-component")
	pq := []byte("pq-component")

	want := sha256.Hash([]byte(
		base64.StdEncoding.EncodeToString(classical) +
			base64.StdEncoding.EncodeToString(pq)))
	assert.Equal(t, want, deriveMediaKey(classical, pq))
	assert.Len(t, deriveMediaKey(classical, pq), 32)
}

// rotate runs RotateKey on its own goroutine while pumping the fake network,
// since the call blocks until every peer acknowledged.
func rotate(t *testing.T, net *fakeNetwork, m *Manager, classical, pq []byte) (int, []byte, error) {
	t.Helper()
	type result struct {
		index int
		key   []byte
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		index, key, err := m.RotateKey(context.Background(), classical, pq)
		resCh <- result{index: index, key: key, err: err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-resCh:
			net.run()
			return res.index, res.key, res.err
		case <-deadline:
			t.Fatal("rotation did not finish")
		default:
			net.run()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRotateKeyReachesEstablishedPeer(t *testing.T) {
	net, alice, bob := newTestPair(t)
	drainEvents(alice)
	drainEvents(bob)

	classical, err := aes256.NewKey()
	assert.NoError(t, err)
	pq, err := aes256.NewKey()
	assert.NoError(t, err)

	index, key, err := rotate(t, net, alice, classical, pq)
	assert.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, deriveMediaKey(classical, pq), key)

	ev := findEvent(drainEvents(bob), EventKeyUpdated, "alice")
	assert.NotNil(t, ev)
	if ev != nil {
		assert.Equal(t, key, ev.Key)
		assert.Equal(t, 1, ev.Index)
	}

	// The ack carried bob's unchanged key, so alice sees no new key event.
	assert.Nil(t, findEvent(drainEvents(alice), EventKeyUpdated, "bob"))
	assert.Zero(t, alice.pending.size())
}

func TestRotateKeyIndexIncrements(t *testing.T) {
	net, alice, bob := newTestPair(t)
	drainEvents(alice)
	drainEvents(bob)

	for want := 1; want <= 3; want++ {
		classical, err := aes256.NewKey()
		assert.NoError(t, err)
		pq, err := aes256.NewKey()
		assert.NoError(t, err)

		index, _, err := rotate(t, net, alice, classical, pq)
		assert.NoError(t, err)
		assert.Equal(t, want, index)

		ev := findEvent(drainEvents(bob), EventKeyUpdated, "alice")
		assert.NotNil(t, ev)
		if ev != nil {
			assert.Equal(t, want, ev.Index)
		}
	}
}

func TestRotateKeyWithoutPeersReturnsImmediately(t *testing.T) {
	net := newFakeNetwork()
	solo := newTestManager(t, net, "solo")
	assert.NoError(t, solo.Bootstrap())
	net.run()

	classical, err := aes256.NewKey()
	assert.NoError(t, err)
	pq, err := aes256.NewKey()
	assert.NoError(t, err)

	index, key, err := solo.RotateKey(context.Background(), classical, pq)
	assert.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, deriveMediaKey(classical, pq), key)
}

func TestRotateKeyRequiresBootstrap(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net, "cold")

	_, _, err := m.RotateKey(context.Background(), []byte("c"), []byte("p"))
	assert.ErrorIs(t, err, ErrNotBootstrapped)
}

func TestAcceptPeerKeyIgnoresStaleIndex(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net, "solo")

	p := &peerState{id: "peer"}
	m.acceptPeerKey(p, []byte("c1"), []byte("p1"), 3)

	ev := findEvent(drainEvents(m), EventKeyUpdated, "peer")
	assert.NotNil(t, ev)
	if ev != nil {
		assert.Equal(t, 3, ev.Index)
	}

	// Older index: dropped without touching the stored key.
	m.acceptPeerKey(p, []byte("c2"), []byte("p2"), 1)
	assert.Empty(t, drainEvents(m))
	assert.Equal(t, 3, p.lastKey.Index)
	assert.Equal(t, []byte("c1"), p.lastKey.Classical)

	// Same material again: index may advance but no change is reported.
	m.acceptPeerKey(p, []byte("c1"), []byte("p1"), 5)
	assert.Empty(t, drainEvents(m))
	assert.Equal(t, 5, p.lastKey.Index)

	// New material at a newer index is a real update.
	m.acceptPeerKey(p, []byte("c3"), []byte("p3"), 6)
	ev = findEvent(drainEvents(m), EventKeyUpdated, "peer")
	assert.NotNil(t, ev)
	if ev != nil {
		assert.Equal(t, deriveMediaKey([]byte("c3"), []byte("p3")), ev.Key)
	}
}
