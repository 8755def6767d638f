package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/config"
	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/realtime"
	"github.com/knowflow/kb-chat-backend/internal/repo"
	"github.com/knowflow/kb-chat-backend/internal/webhook"
)

type fakeEngine struct {
	mu   sync.Mutex
	out  webhook.Outcome
	last webhook.Payload
}

func (f *fakeEngine) Submit(_ context.Context, p webhook.Payload) webhook.Outcome {
	f.mu.Lock()
	f.last = p
	f.mu.Unlock()
	return f.out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Trigger(event, orgID string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, event+"@"+orgID)
	r.mu.Unlock()
}

func (r *eventRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// newSyncOrchestrator runs the processing stage inline so tests observe the
// terminal state as soon as SendMessage returns.
func newSyncOrchestrator(db *gorm.DB, eng EngineClient, ev EventTrigger) *Orchestrator {
	o := NewOrchestrator(db, eng, realtime.NewHub(), ev, config.ChatConfig{
		MaxPromptRunes:  4000,
		TitleMaxLen:     100,
		RegenerateScope: "any",
	}, time.Second, zerolog.Nop())
	o.Spawn = func(fn func()) { fn() }
	return o
}

func seedConv(t *testing.T, db *gorm.DB) *domain.Conversation {
	t.Helper()
	c, err := repo.CreateConversation(context.Background(), db, "org1", "u1", "New conversation", []string{"kb1"}, "gpt-4o-mini", 0.4)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return c
}

func TestSendMessage_SuccessCompletesTurn(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	eng := &fakeEngine{out: webhook.Outcome{
		OK:      true,
		Content: "Paris is the capital of France.",
		Sources: []domain.Source{{DocumentName: "geo.pdf", Chunk: "p1", Confidence: 92}},
		Metadata: domain.MessageMetadata{
			Model: "gpt-4o-mini", TokensUsed: 42, ProcessingTimeMs: 310,
		},
	}}
	rec := &eventRecorder{}
	o := newSyncOrchestrator(db, eng, rec)

	res, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "  What is the capital of France?  ", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.UserMessage.Status != domain.StatusCompleted || res.UserMessage.Content != "What is the capital of France?" {
		t.Fatalf("user message not trimmed/completed: %+v", res.UserMessage)
	}

	asst, err := repo.GetMessage(db, res.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("load assistant: %v", err)
	}
	if asst.Status != domain.StatusCompleted || asst.Content != "Paris is the capital of France." {
		t.Fatalf("assistant did not settle: %+v", asst)
	}
	if len(asst.Sources) != 1 || asst.Sources[0].DocumentName != "geo.pdf" {
		t.Fatalf("sources not attached: %+v", asst.Sources)
	}
	if asst.Metadata.TokensUsed != 42 || asst.Metadata.Fallback {
		t.Fatalf("metadata lost: %+v", asst.Metadata)
	}

	got, err := repo.GetConversation(ctx, db, conv.ID, "org1")
	if err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if got.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", got.MessageCount)
	}
	if got.Title == "New conversation" || got.Title == "" {
		t.Fatalf("placeholder title not auto-generated: %q", got.Title)
	}

	eng.mu.Lock()
	p := eng.last
	eng.mu.Unlock()
	if p.Prompt != "What is the capital of France?" || p.ConversationID != conv.ID {
		t.Fatalf("payload not forwarded: %+v", p)
	}
	if p.Model.Model != "gpt-4o-mini" || p.Model.Temperature == nil || *p.Model.Temperature != 0.4 {
		t.Fatalf("model config not forwarded: %+v", p.Model)
	}

	want := []string{webhook.EventChatMessageSent + "@org1", webhook.EventChatMessageCompleted + "@org1"}
	if got := rec.list(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if o.InFlightMessageID(conv.ID) != "" {
		t.Fatalf("slot not released after completion")
	}
}

func TestSendMessage_PerSendOverrides(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	eng := &fakeEngine{out: webhook.Outcome{OK: true, Content: "x"}}
	o := newSyncOrchestrator(db, eng, nil)

	temp := 0.1
	_, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "narrow this down", SendOptions{
		KBScope:     []string{"kb9"},
		Model:       "gpt-4o",
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	eng.mu.Lock()
	p := eng.last
	eng.mu.Unlock()
	if len(p.KBScope) != 1 || p.KBScope[0] != "kb9" {
		t.Fatalf("kb scope override not forwarded: %+v", p.KBScope)
	}
	if p.Model.Model != "gpt-4o" || p.Model.Temperature == nil || *p.Model.Temperature != 0.1 {
		t.Fatalf("model override not forwarded: %+v", p.Model)
	}

	// The overrides are per message: the next send reverts to the
	// conversation's configuration.
	if _, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "back to normal", SendOptions{}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	eng.mu.Lock()
	p = eng.last
	eng.mu.Unlock()
	if len(p.KBScope) != 1 || p.KBScope[0] != "kb1" || p.Model.Model != "gpt-4o-mini" {
		t.Fatalf("conversation defaults not restored: %+v", p)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)
	o := newSyncOrchestrator(db, &fakeEngine{out: webhook.Outcome{OK: true, Content: "x"}}, nil)

	if _, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "   ", SendOptions{}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("blank prompt: %v", err)
	}
	o.Cfg.MaxPromptRunes = 5
	if _, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "too long prompt", SendOptions{}); !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("long prompt: %v", err)
	}
	o.Cfg.MaxPromptRunes = 0
	if _, err := o.SendMessage(ctx, "org1", "u1", "missing", "hi", SendOptions{}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
	if _, err := o.SendMessage(ctx, "org2", "u1", conv.ID, "hi", SendOptions{}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("cross-org send: %v", err)
	}
}

func TestSendMessage_SingleInFlightPerConversation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	o := newSyncOrchestrator(db, &fakeEngine{out: webhook.Outcome{OK: true, Content: "x"}}, nil)
	o.Spawn = func(func()) {} // generation never runs, the slot stays claimed

	res, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "first", SendOptions{})
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "second", SendOptions{}); !errors.Is(err, ErrMessageInFlight) {
		t.Fatalf("second send must be rejected: %v", err)
	}

	// No cancel registered: Stop settles the stale pending row directly.
	id, err := o.Stop(ctx, "org1", conv.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if id != res.AssistantMessage.ID {
		t.Fatalf("stopped message = %q, want %q", id, res.AssistantMessage.ID)
	}
	m, _ := repo.GetMessage(db, id)
	if m.Status != domain.StatusCancelled || m.ErrorMessage != "stopped by user" {
		t.Fatalf("stale row not settled: %+v", m)
	}
}

func TestSendMessage_DatabaseGuardSurvivesRestart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	// An in-flight row left behind by a previous process.
	if _, err := repo.CreateMessage(db, conv.ID, "org1", domain.MessageTypeAssistant, "", domain.StatusProcessing, domain.MessageMetadata{}); err != nil {
		t.Fatalf("seed processing row: %v", err)
	}

	o := newSyncOrchestrator(db, &fakeEngine{out: webhook.Outcome{OK: true, Content: "x"}}, nil)
	if _, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "hi", SendOptions{}); !errors.Is(err, ErrMessageInFlight) {
		t.Fatalf("expected ErrMessageInFlight from DB guard, got %v", err)
	}
}

func TestSendMessage_FallbackOnDispatchFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	rec := &eventRecorder{}
	o := newSyncOrchestrator(db, &fakeEngine{out: webhook.Outcome{Reason: webhook.ReasonTimeout}}, rec)

	res, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "summarize the onboarding doc", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	asst, _ := repo.GetMessage(db, res.AssistantMessage.ID)
	if asst.Status != domain.StatusCompleted {
		t.Fatalf("fallback must complete the message, got %q", asst.Status)
	}
	if !asst.Metadata.Fallback {
		t.Fatalf("fallback marker missing: %+v", asst.Metadata)
	}
	if !strings.Contains(asst.Content, "summarize the onboarding doc") {
		t.Fatalf("fallback must echo the prompt: %q", asst.Content)
	}
	if asst.ErrorMessage != "" {
		t.Fatalf("fallback is not an error state: %q", asst.ErrorMessage)
	}
	if got := rec.list(); len(got) != 1 || got[0] != webhook.EventChatMessageSent+"@org1" {
		t.Fatalf("failed dispatch must not trigger completion events: %v", got)
	}
}

func TestRegenerate_ReplacesAnswer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	eng := &fakeEngine{out: webhook.Outcome{OK: true, Content: "first answer"}}
	o := newSyncOrchestrator(db, eng, nil)
	res, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "explain vector search", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	eng.out = webhook.Outcome{OK: true, Content: "second answer", Sources: []domain.Source{{DocumentName: "kb.md", Chunk: "c", Confidence: 70}}}
	m, err := o.Regenerate(ctx, "org1", "u1", conv.ID, res.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if m.ID != res.AssistantMessage.ID {
		t.Fatalf("regenerate must reuse the message row")
	}

	got, _ := repo.GetMessage(db, m.ID)
	if got.Status != domain.StatusCompleted || got.Content != "second answer" {
		t.Fatalf("regenerated message: %+v", got)
	}
	if got.Metadata.RegeneratedAt == nil {
		t.Fatalf("RegeneratedAt must be stamped")
	}
	if len(got.Sources) != 1 || got.Sources[0].DocumentName != "kb.md" {
		t.Fatalf("sources must be replaced: %+v", got.Sources)
	}

	eng.mu.Lock()
	p := eng.last
	eng.mu.Unlock()
	if p.Prompt != "explain vector search" || !p.Regenerate {
		t.Fatalf("regenerate payload: %+v", p)
	}
}

func TestRegenerate_FailureLeavesErrorStateNotStaleAnswer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	eng := &fakeEngine{out: webhook.Outcome{OK: true, Content: "old answer"}}
	o := newSyncOrchestrator(db, eng, nil)
	res, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "what changed in v2?", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	eng.out = webhook.Outcome{Reason: "http_503"}
	if _, err := o.Regenerate(ctx, "org1", "u1", conv.ID, res.AssistantMessage.ID); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	got, _ := repo.GetMessage(db, res.AssistantMessage.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("failed regeneration must flip to error, got %q", got.Status)
	}
	// The reset at the start of the attempt already cleared the row; the old
	// answer must not reappear as if it were the retry's result.
	if got.Content != "" {
		t.Fatalf("stale content must not survive a failed regeneration: %q", got.Content)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("user-facing error text missing")
	}
	if got.Metadata.RegeneratedAt == nil {
		t.Fatalf("RegeneratedAt must be stamped at the reset")
	}
}

func TestRegenerate_RejectedWhileGenerationInFlight(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	eng := &fakeEngine{out: webhook.Outcome{OK: true, Content: "a1"}}
	o := newSyncOrchestrator(db, eng, nil)
	res, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "first question", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Claim the slot without running the generation, as if another request
	// were still being answered.
	o.Spawn = func(func()) {}
	if _, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "second question", SendOptions{}); err != nil {
		t.Fatalf("claim slot: %v", err)
	}

	if _, err := o.Regenerate(ctx, "org1", "u1", conv.ID, res.AssistantMessage.ID); !errors.Is(err, ErrMessageInFlight) {
		t.Fatalf("regenerate during an active generation must be rejected, got %v", err)
	}
	// The settled answer is untouched by the rejected attempt.
	got, _ := repo.GetMessage(db, res.AssistantMessage.ID)
	if got.Status != domain.StatusCompleted || got.Content != "a1" {
		t.Fatalf("rejected regenerate must not touch the row: %+v", got)
	}
}

func TestRegenerate_Guards(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	eng := &fakeEngine{out: webhook.Outcome{OK: true, Content: "a1"}}
	o := newSyncOrchestrator(db, eng, nil)
	first, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "first question", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := o.Regenerate(ctx, "org1", "u1", conv.ID, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("unknown message: %v", err)
	}
	if _, err := o.Regenerate(ctx, "org1", "u1", conv.ID, first.UserMessage.ID); !errors.Is(err, ErrNotAssistantMessage) {
		t.Fatalf("user turn: %v", err)
	}

	eng.out = webhook.Outcome{OK: true, Content: "a2"}
	if _, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "second question", SendOptions{}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	o.Cfg.RegenerateScope = "latest"
	if _, err := o.Regenerate(ctx, "org1", "u1", conv.ID, first.AssistantMessage.ID); !errors.Is(err, ErrRegenerateNotAllowed) {
		t.Fatalf("older assistant under latest scope: %v", err)
	}
}

func TestStop_NothingInFlight(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)
	o := newSyncOrchestrator(db, &fakeEngine{}, nil)

	if _, err := o.Stop(ctx, "org1", "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("unknown conversation: %v", err)
	}
	if _, err := o.Stop(ctx, "org1", conv.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("idle conversation: %v", err)
	}
}

type blockingEngine struct {
	started chan struct{}
}

func (b *blockingEngine) Submit(ctx context.Context, _ webhook.Payload) webhook.Outcome {
	close(b.started)
	<-ctx.Done()
	return webhook.Outcome{Reason: webhook.ReasonCancelled}
}

func TestStop_CancelsActiveGeneration(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := seedConv(t, db)

	eng := &blockingEngine{started: make(chan struct{})}
	o := NewOrchestrator(db, eng, realtime.NewHub(), nil, config.ChatConfig{TitleMaxLen: 100}, 0, zerolog.Nop())

	res, err := o.SendMessage(ctx, "org1", "u1", conv.ID, "long running question", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-eng.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("generation never started")
	}

	id, err := o.Stop(ctx, "org1", conv.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if id != res.AssistantMessage.ID {
		t.Fatalf("stopped id = %q, want %q", id, res.AssistantMessage.ID)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		m, gerr := repo.GetMessage(db, id)
		if gerr == nil && m.Status == domain.StatusCancelled {
			if m.ErrorMessage != "stopped by user" {
				t.Fatalf("cancel text = %q", m.ErrorMessage)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never settled as cancelled: %+v (err=%v)", m, gerr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for o.InFlightMessageID(conv.ID) != "" {
		if time.Now().After(deadline) {
			t.Fatalf("slot never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
