package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keybeat/keybeat/internal/boot"
	"github.com/keybeat/keybeat/internal/model"
	"github.com/keybeat/keybeat/internal/store/remote"
	"github.com/keybeat/keybeat/internal/store/remote/remotetest"
)

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error) { return "tok", nil }

func newCoordinator(t *testing.T) (*service, *remotetest.Server) {
	t.Helper()
	server := remotetest.New()
	t.Cleanup(server.Close)
	client := remote.New(&boot.Config{StoreURL: server.URL()}, staticTokens{})
	return New(client), server
}

func TestGenerateKey(t *testing.T) {
	assert := assert.New(t)

	for i := 0; i < 50; i++ {
		key, err := GenerateKey()
		assert.Nil(err)
		assert.True(ValidKey(key), "generated key %q must match the format", key)
		assert.NotContains(key, "0")
		assert.NotContains(key, "O")
		assert.NotContains(key, "1")
		assert.NotContains(key, "I")
	}
}

func TestJoin(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		s, server := newCoordinator(t)
		key, err := s.CreateKey(ctx, "alice")
		assert.Nil(err)

		creator, err := s.Join(ctx, "bob", key)
		assert.Nil(err)
		assert.Equal("alice", creator)

		invitation := server.Value("pairKeys/" + key).(map[string]any)
		assert.Equal(true, invitation["used"])
		assert.Equal("bob", invitation["joinedBy"])

		joiner := server.Value("users/bob").(map[string]any)
		assert.Equal("alice", joiner["partnerId"])

		inbox := server.Value("pairing/alice").(map[string]any)
		assert.Equal("bob", inbox["partnerId"])
		assert.Equal(key, inbox["pairKey"])
	})

	t.Run("invalid format fails without network write", func(t *testing.T) {
		s, server := newCoordinator(t)
		_, err := s.Join(ctx, "bob", "not-a-key")
		assert.ErrorIs(err, model.ErrorInvalidKeyFormat)
		assert.Equal(0, server.Writes)
	})

	t.Run("unknown key", func(t *testing.T) {
		s, _ := newCoordinator(t)
		_, err := s.Join(ctx, "bob", "KB-AAAA-BBBB-CCCC")
		assert.ErrorIs(err, model.ErrorInvalidPairKey)
	})

	t.Run("used key fails without any write", func(t *testing.T) {
		s, server := newCoordinator(t)
		server.Seed("pairKeys/KB-AAAA-BBBB-CCCC", map[string]any{
			"creatorId": "alice", "used": true, "joinedBy": "carol",
		})

		_, err := s.Join(ctx, "bob", "KB-AAAA-BBBB-CCCC")
		assert.ErrorIs(err, model.ErrorPairKeyUsed)
		assert.Equal(0, server.Writes)
	})

	t.Run("self-join rejected", func(t *testing.T) {
		s, _ := newCoordinator(t)
		key, err := s.CreateKey(ctx, "alice")
		assert.Nil(err)

		_, err = s.Join(ctx, "alice", key)
		assert.ErrorIs(err, model.ErrorSelfPair)
	})

	t.Run("key is case and whitespace tolerant", func(t *testing.T) {
		s, _ := newCoordinator(t)
		key, err := s.CreateKey(ctx, "alice")
		assert.Nil(err)

		_, err = s.Join(ctx, "bob", "  "+key+" ")
		assert.Nil(err)
	})
}

func TestClaimExclusivity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s, server := newCoordinator(t)
	key, err := s.CreateKey(ctx, "alice")
	assert.Nil(err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	joiners := []string{"bob", "carol"}
	for i := range joiners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Join(ctx, joiners[i], key)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		// the loser races the winner's write: reading before it yields
		// a claim conflict, after it a used key
		lost := IsClaimConflict(err) || errors.Is(err, model.ErrorPairKeyUsed)
		assert.True(lost, "loser must observe a claim outcome, got %v", err)
	}
	assert.Equal(1, winners)

	invitation := server.Value("pairKeys/" + key).(map[string]any)
	assert.Equal(true, invitation["used"])
	assert.Contains(joiners, invitation["joinedBy"])
}

func TestUnpair(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s, server := newCoordinator(t)
	key, err := s.CreateKey(ctx, "alice")
	assert.Nil(err)
	_, err = s.Join(ctx, "bob", key)
	assert.Nil(err)
	assert.Nil(s.AcceptOffer(ctx, "alice", "bob"))

	assert.Nil(s.Unpair(ctx, "bob", "alice"))

	bob := server.Value("users/bob").(map[string]any)
	assert.NotContains(bob, "partnerId")

	aliceInbox := server.Value("pairing/alice").(map[string]any)
	assert.Equal(true, aliceInbox["unpaired"])

	// the ex-partner's watcher acknowledges; duplicate delivery is a no-op
	assert.Nil(s.AcknowledgeUnpair(ctx, "alice"))
	assert.Nil(s.AcknowledgeUnpair(ctx, "alice"))

	alice := server.Value("users/alice").(map[string]any)
	assert.NotContains(alice, "partnerId")
	assert.Empty(server.Value("pairing/alice"))
	bobInbox := server.Value("pairing/bob")
	if bobInbox != nil {
		assert.Empty(bobInbox)
	}
}
