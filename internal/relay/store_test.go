package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sotto/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *Store, username string) UserRecord {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, username+"@example.com", "hash")
	require.NoError(t, err)
	return u
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := testStore(t)
	mustUser(t, s, "alice")

	_, err := s.CreateUser(context.Background(), "alice", "other@example.com", "hash")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUserLookups(t *testing.T) {
	s := testStore(t)
	created := mustUser(t, s, "alice")

	byName, err := s.UserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byID, err := s.UserByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	_, err = s.UserByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPublicKey(t *testing.T) {
	s := testStore(t)
	u := mustUser(t, s, "alice")

	require.NoError(t, s.SetPublicKey(context.Background(), u.ID, "pk-1"))
	got, err := s.UserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "pk-1", got.PublicKey)

	assert.ErrorIs(t, s.SetPublicKey(context.Background(), "ghost", "pk"), ErrNotFound)
}

func TestSearchUsers_PrefixMatch(t *testing.T) {
	s := testStore(t)
	mustUser(t, s, "alice")
	mustUser(t, s, "albert")
	mustUser(t, s, "bob")

	got, err := s.SearchUsers(context.Background(), "al")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "albert", got[0].Username)
	assert.Equal(t, "alice", got[1].Username)
}

func TestSaveMessage_StoresOnlyCiphertext(t *testing.T) {
	s := testStore(t)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	id, createdAt, err := s.SaveMessage(context.Background(), domain.Message{
		SenderID:   alice.ID,
		ReceiverID: bob.ID,
		Ciphertext: "c2VhbGVk",
		Nonce:      "bm9uY2U",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.False(t, createdAt.IsZero())

	got, err := s.MessageByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "c2VhbGVk", got.Ciphertext)
	assert.Empty(t, got.Plaintext)
}

func TestConversation_BothDirectionsInOrder(t *testing.T) {
	s := testStore(t)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")
	carol := mustUser(t, s, "carol")

	id1, _, err := s.SaveMessage(context.Background(), domain.Message{SenderID: alice.ID, ReceiverID: bob.ID, Ciphertext: "a", Nonce: "n"})
	require.NoError(t, err)
	id2, _, err := s.SaveMessage(context.Background(), domain.Message{SenderID: bob.ID, ReceiverID: alice.ID, Ciphertext: "b", Nonce: "n"})
	require.NoError(t, err)
	_, _, err = s.SaveMessage(context.Background(), domain.Message{SenderID: alice.ID, ReceiverID: carol.ID, Ciphertext: "x", Nonce: "n"})
	require.NoError(t, err)

	conv, err := s.Conversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, id1, conv[0].ID)
	assert.Equal(t, id2, conv[1].ID)
}

func TestUpdateMessage_OnlySender(t *testing.T) {
	s := testStore(t)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	id, _, err := s.SaveMessage(context.Background(), domain.Message{SenderID: alice.ID, ReceiverID: bob.ID, Ciphertext: "old", Nonce: "n"})
	require.NoError(t, err)

	_, err = s.UpdateMessage(context.Background(), id, bob.ID, "new", "n2", "spk", "rpk")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.UpdateMessage(context.Background(), id, alice.ID, "new", "n2", "spk", "rpk")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Ciphertext)
	assert.True(t, got.IsEdited)
}

func TestMarkRead(t *testing.T) {
	s := testStore(t)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	id, _, err := s.SaveMessage(context.Background(), domain.Message{SenderID: bob.ID, ReceiverID: alice.ID, Ciphertext: "c", Nonce: "n"})
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(context.Background(), bob.ID, alice.ID))
	got, err := s.MessageByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}

func TestDeleteMessage_AuthorshipAndSoftDelete(t *testing.T) {
	s := testStore(t)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	id, _, err := s.SaveMessage(context.Background(), domain.Message{SenderID: alice.ID, ReceiverID: bob.ID, Ciphertext: "c", Nonce: "n"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteMessage(context.Background(), id, bob.ID), ErrNotFound)
	require.NoError(t, s.DeleteMessage(context.Background(), id, alice.ID))

	_, err = s.MessageByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)

	conv, err := s.Conversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, conv)
}

func TestRecentUsers_MostRecentFirst(t *testing.T) {
	s := testStore(t)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")
	carol := mustUser(t, s, "carol")

	// Deterministic ordering via an injected clock.
	tick := int64(0)
	base := s.now()
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, _, err := s.SaveMessage(context.Background(), domain.Message{SenderID: alice.ID, ReceiverID: bob.ID, Ciphertext: "c", Nonce: "n"})
	require.NoError(t, err)
	_, _, err = s.SaveMessage(context.Background(), domain.Message{SenderID: carol.ID, ReceiverID: alice.ID, Ciphertext: "c", Nonce: "n"})
	require.NoError(t, err)

	got, err := s.RecentUsers(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, carol.ID, got[0].ID)
	assert.Equal(t, bob.ID, got[1].ID)

	var ids []domain.UserID
	for _, u := range got {
		ids = append(ids, u.ID)
	}
	assert.NotContains(t, ids, alice.ID)
}
