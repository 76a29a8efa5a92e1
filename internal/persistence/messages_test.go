package persistence_test

import (
	"context"
	"testing"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
)

func TestMessages_SequencePerConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := store.Project().ActiveConversationID
	second, err := store.CreateConversation(ctx, "side quest")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	for i := 1; i <= 3; i++ {
		msg, err := store.AppendMessage(ctx, first, "user", "hello", nil)
		if err != nil {
			t.Fatalf("append to first: %v", err)
		}
		if msg.Seq != int64(i) {
			t.Fatalf("first conversation seq = %d, want %d", msg.Seq, i)
		}
	}

	msg, err := store.AppendMessage(ctx, second.ID, "user", "hello", nil)
	if err != nil {
		t.Fatalf("append to second: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("second conversation starts at seq %d, want 1", msg.Seq)
	}

	listed, err := store.ListMessages(ctx, first, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed = %d messages, want 3", len(listed))
	}
	for i, m := range listed {
		if m.Seq != int64(i+1) {
			t.Fatalf("listed[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
	}
}

func TestMessages_RejectsInvalidRole(t *testing.T) {
	store := openTestStore(t)
	convID := store.Project().ActiveConversationID

	_, err := store.AppendMessage(context.Background(), convID, "robot", "beep", nil)
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

func TestMessages_RejectsUnknownConversation(t *testing.T) {
	store := openTestStore(t)

	_, err := store.AppendMessage(context.Background(), "missing-conv", "user", "hello", nil)
	if !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("err = %v, want not-found fault", err)
	}
}

func TestMessages_PartsRoundTripAndAmend(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	convID := store.Project().ActiveConversationID

	msg, err := store.AppendMessage(ctx, convID, "assistant", "planned changes", []persistence.MessagePart{
		{Type: persistence.PartFileContext, Path: "notes/a.md", Title: "A"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if len(got.Parts) != 1 || got.Parts[0].Type != persistence.PartFileContext {
		t.Fatalf("parts = %+v, want one file_context", got.Parts)
	}

	err = store.AmendMessageParts(ctx, msg.ID, []persistence.MessagePart{
		{Type: persistence.PartEdit, Path: "src/main.go", Content: "package main"},
		{Type: persistence.PartOutputFile, Path: "out.txt", Content: "done"},
	})
	if err != nil {
		t.Fatalf("amend parts: %v", err)
	}
	got, err = store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get after amend: %v", err)
	}
	if len(got.Parts) != 2 || got.Parts[0].Type != persistence.PartEdit || got.Parts[1].Type != persistence.PartOutputFile {
		t.Fatalf("amended parts = %+v", got.Parts)
	}
}

func TestMessages_RejectsUnknownPartType(t *testing.T) {
	store := openTestStore(t)
	convID := store.Project().ActiveConversationID

	_, err := store.AppendMessage(context.Background(), convID, "assistant", "x", []persistence.MessagePart{
		{Type: "hologram"},
	})
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}
