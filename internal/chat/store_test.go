package chat_test

import (
	"errors"
	"testing"
	"time"

	"sotto/internal/chat"
	"sotto/internal/domain"
)

func TestInsertProvisional_ConfirmInPlace(t *testing.T) {
	s := chat.NewMessageStore()

	s.Append(domain.Message{ID: "m1", SenderID: "b", ReceiverID: "a", CreatedAt: time.Unix(1, 0)})
	temp := s.InsertProvisional(domain.Message{
		SenderID: "a", ReceiverID: "b", Plaintext: "hi", CreatedAt: time.Unix(2, 0),
	})

	if !temp.Provisional() {
		t.Fatal("insert did not yield a provisional id")
	}
	if err := s.Confirm(temp, "srv-9", time.Unix(3, 0)); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Exactly one entry with the sent content, now under the server id,
	// at the same position.
	all := s.All()
	if len(all) != 2 {
		t.Fatalf("want 2 entries, got %d", len(all))
	}
	if all[1].ID != "srv-9" || all[1].Plaintext != "hi" {
		t.Fatalf("confirmed entry wrong: %+v", all[1])
	}
	count := 0
	for _, m := range all {
		if m.Plaintext == "hi" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("want exactly one entry with the sent content, got %d", count)
	}
}

func TestConfirm_UnknownProvisional_IsConsistencyError(t *testing.T) {
	s := chat.NewMessageStore()
	ghost := domain.NewProvisionalID("never-inserted")

	err := s.Confirm(ghost, "srv-1", time.Now())
	if !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("want ErrConsistency, got %v", err)
	}
}

func TestRemove_ProvisionalRollback(t *testing.T) {
	s := chat.NewMessageStore()
	s.Append(domain.Message{ID: "m1", SenderID: "b", ReceiverID: "a"})
	temp := s.InsertProvisional(domain.Message{SenderID: "a", ReceiverID: "b", Plaintext: "doomed"})

	if !s.Remove(temp) {
		t.Fatal("provisional entry not removed")
	}
	all := s.All()
	if len(all) != 1 || all[0].ID != "m1" {
		t.Fatalf("conversation changed beyond the rollback: %+v", all)
	}
}

func TestConversation_FiltersAndSortsByCreatedAt(t *testing.T) {
	s := chat.NewMessageStore()
	// Arrival order deliberately differs from timestamp order.
	s.Append(domain.Message{ID: "m2", SenderID: "a", ReceiverID: "b", CreatedAt: time.Unix(20, 0)})
	s.Append(domain.Message{ID: "m1", SenderID: "b", ReceiverID: "a", CreatedAt: time.Unix(10, 0)})
	s.Append(domain.Message{ID: "mx", SenderID: "a", ReceiverID: "c", CreatedAt: time.Unix(15, 0)})

	conv := s.Conversation("a", "b")
	if len(conv) != 2 {
		t.Fatalf("want 2 messages, got %d", len(conv))
	}
	if conv[0].ID != "m1" || conv[1].ID != "m2" {
		t.Fatalf("wrong order: %s, %s", conv[0].ID, conv[1].ID)
	}
}

func TestMarkConversationRead(t *testing.T) {
	s := chat.NewMessageStore()
	s.Append(domain.Message{ID: "m1", SenderID: "peer", ReceiverID: "me"})
	s.Append(domain.Message{ID: "m2", SenderID: "me", ReceiverID: "peer"})
	s.Append(domain.Message{ID: "m3", SenderID: "other", ReceiverID: "me"})

	s.MarkConversationRead("peer", "me")

	for _, m := range s.All() {
		switch m.ID {
		case "m1":
			if !m.IsRead {
				t.Fatal("peer's message to me not marked read")
			}
		default:
			if m.IsRead {
				t.Fatalf("message %s wrongly marked read", m.ID)
			}
		}
	}
}

func TestApplyEdit_UnknownID(t *testing.T) {
	s := chat.NewMessageStore()
	err := s.ApplyEdit("nope", "x", "", "", false)
	if !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("want ErrConsistency, got %v", err)
	}
}

func TestSubscribe_NotifiedOnMutation(t *testing.T) {
	s := chat.NewMessageStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Append(domain.Message{ID: "m1"})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after append")
	}

	cancel()
	s.Append(domain.Message{ID: "m2"})
	// After cancel the channel may hold at most the already-delivered
	// signal; draining must not block.
	select {
	case <-ch:
	default:
	}
}
