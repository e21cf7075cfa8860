package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("alice", KindChat, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected a generated conversation id")
	}
	if conv.Kind != KindChat {
		t.Fatalf("kind = %q, want %q", conv.Kind, KindChat)
	}

	got, err := s.GetConversation("alice", conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ID != conv.ID || got.UserID != "alice" {
		t.Fatalf("got %+v, want id %s for alice", got, conv.ID)
	}

	if err := s.DeleteConversation("alice", conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := s.GetConversation("alice", conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete, err = %v, want ErrNotFound", err)
	}
}

func TestConversationOwnership(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("alice", KindChat, "t")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := s.GetConversation("bob", conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user get err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteConversation("bob", conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.AppendExchange("bob", conv.ID, []Message{{Role: RoleUser, Content: "hi"}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user append err = %v, want ErrNotFound", err)
	}
	if err := s.SetTitle("bob", conv.ID, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user SetTitle err = %v, want ErrNotFound", err)
	}
}

func TestListConversationsByKind(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateConversation("alice", KindChat, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateConversation("alice", KindSocial, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateConversation("bob", KindChat, "c"); err != nil {
		t.Fatal(err)
	}

	chats, err := s.ListConversations("alice", KindChat)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(chats) != 1 || chats[0].Title != "a" {
		t.Fatalf("chats = %+v, want only title a", chats)
	}

	social, err := s.ListConversations("alice", KindSocial)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(social) != 1 || social[0].Title != "b" {
		t.Fatalf("social = %+v, want only title b", social)
	}
}

func TestSetTitleIfEmptyFirstWriteWins(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("alice", KindChat, "")
	if err != nil {
		t.Fatal(err)
	}

	applied, err := s.SetTitleIfEmpty("alice", conv.ID, "first")
	if err != nil {
		t.Fatalf("SetTitleIfEmpty: %v", err)
	}
	if !applied {
		t.Fatal("first write should apply")
	}

	applied, err = s.SetTitleIfEmpty("alice", conv.ID, "second")
	if err != nil {
		t.Fatalf("SetTitleIfEmpty: %v", err)
	}
	if applied {
		t.Fatal("second write must not overwrite an existing title")
	}

	got, err := s.GetConversation("alice", conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "first" {
		t.Fatalf("title = %q, want first", got.Title)
	}
}

func TestAppendExchangePreservesOrder(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("alice", KindChat, "")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		_, err := s.AppendExchange("alice", conv.ID, []Message{
			{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
			{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		})
		if err != nil {
			t.Fatalf("AppendExchange %d: %v", i, err)
		}
	}

	msgs, err := s.GetMessages("alice", conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	want := []string{"q0", "a0", "q1", "a1", "q2", "a2"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("message %d = %q, want %q", i, m.Content, want[i])
		}
	}

	// Appends bump last_active.
	got, err := s.GetConversation("alice", conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastActive.Before(got.CreatedAt) {
		t.Fatal("last_active should not precede created_at")
	}
}

func TestGetLastNMessagesChronological(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("alice", KindChat, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := s.AppendExchange("alice", conv.ID, []Message{
			{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
			{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetLastNMessages(conv.ID, 3)
	if err != nil {
		t.Fatalf("GetLastNMessages: %v", err)
	}
	want := []string{"a2", "q3", "a3"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("message %d = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestConcurrentAppendsAcrossConversations(t *testing.T) {
	s := newTestStore(t)

	const convCount = 4
	const rounds = 5

	ids := make([]string, convCount)
	for i := range ids {
		conv, err := s.CreateConversation("alice", KindChat, "")
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = conv.ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, convCount*rounds)
	for _, id := range ids {
		wg.Add(1)
		go func(convID string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := s.AppendExchange("alice", convID, []Message{
					{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
					{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
				}); err != nil {
					errs <- err
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	for _, id := range ids {
		msgs, err := s.GetMessages("alice", id, 1, 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != rounds*2 {
			t.Fatalf("conversation %s has %d messages, want %d", id, len(msgs), rounds*2)
		}
		// Within each exchange the user turn precedes the assistant turn.
		for i := 0; i < len(msgs); i += 2 {
			if msgs[i].Role != RoleUser || msgs[i+1].Role != RoleAssistant {
				t.Fatalf("exchange %d roles = %s,%s", i/2, msgs[i].Role, msgs[i+1].Role)
			}
		}
	}
}

func TestKnowledgeChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)

	chunk := KnowledgeChunk{Content: "sốt xuất huyết", Embedding: []float32{0.1, 0.2, 0.3}}
	if err := s.createKnowledgeChunk(&chunk); err != nil {
		t.Fatalf("createKnowledgeChunk: %v", err)
	}

	chunks, err := s.GetAllKnowledgeChunks()
	if err != nil {
		t.Fatalf("GetAllKnowledgeChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Content != "sốt xuất huyết" || len(chunks[0].Embedding) != 3 {
		t.Fatalf("chunk = %+v", chunks[0])
	}

	if err := s.ClearKnowledgeChunks(); err != nil {
		t.Fatalf("ClearKnowledgeChunks: %v", err)
	}
	chunks, err = s.GetAllKnowledgeChunks()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Fatalf("after clear, got %d chunks", len(chunks))
	}
}

func TestIngestKnowledgeFileParsesTable(t *testing.T) {
	s := newTestStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.md")
	content := "| Text |\n| --- |\n| Đoạn một |\n| Đoạn hai |\n\nnot a table row\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := s.IngestKnowledgeFile(path, func(text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	})
	if err != nil {
		t.Fatalf("IngestKnowledgeFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("ingested %d chunks, want 2", n)
	}

	chunks, err := s.GetAllKnowledgeChunks()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 || chunks[0].Content != "Đoạn một" || chunks[1].Content != "Đoạn hai" {
		t.Fatalf("chunks = %+v", chunks)
	}
}
