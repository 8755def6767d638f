// Package services implements the application's business rules on top of
// the repo layer: conversation lifecycle, message orchestration, drafts,
// templates, feedback, and change-feed reconciliation.
//
// This file implements the Orchestrator, which owns the lifecycle of a chat
// turn: it persists the user message and an assistant placeholder
// atomically, dispatches the prompt to the workflow engine in the
// background, and writes the result (content, sources, metadata) back with
// a terminal status. A failed dispatch never loses the turn: the assistant
// message completes with fallback text and a fallback marker, except during
// regeneration where the message flips to error so the user can retry.
//
// Concurrency model: at most one assistant message per conversation may be
// pending or processing at a time. The guard is a process-local registry
// backed by a database check, and the registry also carries the cancel
// function that Stop uses to abort generation mid-flight.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/config"
	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/observability"
	"github.com/knowflow/kb-chat-backend/internal/realtime"
	"github.com/knowflow/kb-chat-backend/internal/repo"
	"github.com/knowflow/kb-chat-backend/internal/webhook"
)

// historyWindow is the number of prior completed turns forwarded to the
// workflow engine for context.
const historyWindow = 20

// EngineClient submits processing requests to the workflow engine.
// Satisfied by *webhook.Dispatcher.
type EngineClient interface {
	Submit(ctx context.Context, p webhook.Payload) webhook.Outcome
}

// EventTrigger enqueues organization automation events.
// Satisfied by *webhook.Fanout.
type EventTrigger interface {
	Trigger(event, orgID string, payload any)
}

// SendResult is what SendMessage returns to the handler: the persisted user
// message and the assistant placeholder whose completion clients follow via
// the change feed.
type SendResult struct {
	UserMessage      *domain.Message
	AssistantMessage *domain.Message
}

// SendOptions carries optional per-send overrides. Zero values fall back to
// the conversation's stored KB scope and model configuration.
type SendOptions struct {
	KBScope     []string
	Model       string
	Temperature *float64
}

type inflightEntry struct {
	messageID string
	cancel    context.CancelFunc
}

// Orchestrator coordinates sends, regenerations, and stops for chat
// messages. Construct with NewOrchestrator; all methods are safe for
// concurrent use.
type Orchestrator struct {
	DB      *gorm.DB
	Engine  EngineClient
	Hub     *realtime.Hub
	Events  EventTrigger
	Log     zerolog.Logger
	Cfg     config.ChatConfig
	Timeout time.Duration

	// Spawn runs the background processing stage. Tests replace it to run
	// synchronously.
	Spawn func(fn func())

	mu       sync.Mutex
	inflight map[string]inflightEntry // conversationID -> active generation
}

// NewOrchestrator wires the orchestrator with its collaborators. timeout
// bounds the engine call per dispatch.
func NewOrchestrator(db *gorm.DB, engine EngineClient, hub *realtime.Hub, events EventTrigger, cfg config.ChatConfig, timeout time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		DB:       db,
		Engine:   engine,
		Hub:      hub,
		Events:   events,
		Log:      log,
		Cfg:      cfg,
		Timeout:  timeout,
		Spawn:    func(fn func()) { go fn() },
		inflight: make(map[string]inflightEntry),
	}
}

// SendMessage validates the prompt, persists the user turn together with an
// assistant placeholder, and kicks off background processing. It returns as
// soon as both rows are durable; the reply arrives through the change feed.
func (o *Orchestrator) SendMessage(ctx context.Context, orgID, userID, conversationID, prompt string, opts SendOptions) (*SendResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if max := o.Cfg.MaxPromptRunes; max > 0 && utf8.RuneCountInString(prompt) > max {
		return nil, ErrPromptTooLong
	}

	conv, err := repo.GetConversation(ctx, o.DB, conversationID, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	kbScope, model, temp := o.resolveDispatchConfig(conv, opts)

	if err := o.acquire(conversationID); err != nil {
		return nil, err
	}

	var userMsg, asstMsg *domain.Message
	err = o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		userMsg, txErr = repo.CreateMessage(tx, conv.ID, orgID, domain.MessageTypeUser, prompt, domain.StatusCompleted, domain.MessageMetadata{})
		if txErr != nil {
			return txErr
		}
		asstMsg, txErr = repo.CreateMessage(tx, conv.ID, orgID, domain.MessageTypeAssistant, "", domain.StatusPending, domain.MessageMetadata{})
		if txErr != nil {
			return txErr
		}
		if txErr = repo.BumpMessageCount(ctx, tx, conv.ID, 2); txErr != nil {
			return txErr
		}
		if shouldAutoTitle(conv.Title) {
			if t := generateTitleFromPrompt(prompt, languageOrEnglish()); t != "" {
				if txErr = repo.UpdateConversationTitle(ctx, tx, conv.ID, orgID, clipTitle(t, o.Cfg.TitleMaxLen)); txErr != nil {
					return txErr
				}
			}
		}
		return nil
	})
	if err != nil {
		o.release(conversationID, "")
		return nil, err
	}

	o.setInflightMessage(conversationID, asstMsg.ID)

	o.Hub.Publish(realtime.Event{Type: realtime.EventMessageInserted, OrgID: orgID, ConversationID: conv.ID, Message: userMsg})
	o.Hub.Publish(realtime.Event{Type: realtime.EventMessageInserted, OrgID: orgID, ConversationID: conv.ID, Message: asstMsg})

	if o.Events != nil {
		o.Events.Trigger(webhook.EventChatMessageSent, orgID, map[string]any{
			"conversation_id": conv.ID,
			"message_id":      userMsg.ID,
			"user_id":         userID,
			"prompt":          prompt,
		})
	}

	o.Spawn(func() {
		o.process(processJob{
			conv:        conv,
			userID:      userID,
			prompt:      prompt,
			messageID:   asstMsg.ID,
			kbScope:     kbScope,
			model:       model,
			temperature: temp,
		})
	})

	return &SendResult{UserMessage: userMsg, AssistantMessage: asstMsg}, nil
}

// Regenerate re-dispatches the prompt that produced an existing assistant
// message. The message is reset first: content cleared, status flipped to
// processing, prior error cleared, and metadata stamped with a regeneration
// timestamp. If the new dispatch fails the message flips to error so the
// client can offer a retry; the old answer is gone either way.
//
// One generation per conversation at a time: regenerating while another
// dispatch is in flight returns ErrMessageInFlight. Clients stop the active
// generation first. This is deliberately stricter than a silent no-op so
// two dispatch workers never write to the same row.
func (o *Orchestrator) Regenerate(ctx context.Context, orgID, userID, conversationID, messageID string) (*domain.Message, error) {
	conv, err := repo.GetConversation(ctx, o.DB, conversationID, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	target, err := repo.GetMessage(o.DB.WithContext(ctx), messageID)
	if err != nil || target.ConversationID != conv.ID {
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if target.Type != domain.MessageTypeAssistant {
		return nil, ErrNotAssistantMessage
	}

	if o.Cfg.RegenerateScope == "latest" {
		latest, lerr := repo.LatestAssistantMessage(o.DB.WithContext(ctx), conv.ID)
		if lerr != nil {
			return nil, lerr
		}
		if latest.ID != target.ID {
			return nil, ErrRegenerateNotAllowed
		}
	}

	prompt, err := o.promptFor(ctx, target)
	if err != nil {
		return nil, err
	}

	if err := o.acquire(conversationID); err != nil {
		return nil, err
	}
	o.setInflightMessage(conversationID, target.ID)

	meta := target.Metadata
	now := time.Now().UTC()
	meta.RegeneratedAt = &now
	if err := repo.UpdateMessageFields(o.DB.WithContext(ctx), target.ID, map[string]any{
		"content":       "",
		"status":        domain.StatusProcessing,
		"error_message": "",
		"metadata":      meta,
	}); err != nil {
		o.release(conversationID, target.ID)
		return nil, err
	}
	target.Content = ""
	target.Status = domain.StatusProcessing
	target.ErrorMessage = ""
	target.Metadata = meta
	o.publishDelta(orgID, conv.ID, target.ID, strPtr(""), strPtr(domain.StatusProcessing), strPtr(""), nil, &meta)

	kbScope, model, temp := o.resolveDispatchConfig(conv, SendOptions{})
	o.Spawn(func() {
		o.process(processJob{
			conv:        conv,
			userID:      userID,
			prompt:      prompt,
			messageID:   target.ID,
			kbScope:     kbScope,
			model:       model,
			temperature: temp,
			regenerate:  true,
		})
	})

	return target, nil
}

// Stop aborts the in-flight generation of a conversation, if any. The
// assistant message settles as cancelled. When no generation is registered
// locally, any stale processing row is settled directly so clients do not
// spin on it.
func (o *Orchestrator) Stop(ctx context.Context, orgID, conversationID string) (string, error) {
	if _, err := repo.GetConversation(ctx, o.DB, conversationID, orgID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrConversationNotFound
		}
		return "", err
	}

	o.mu.Lock()
	entry, ok := o.inflight[conversationID]
	o.mu.Unlock()
	if ok && entry.cancel != nil {
		entry.cancel()
		return entry.messageID, nil
	}

	// No local generation: settle any orphaned in-flight row (e.g. after a
	// restart) so the conversation is unblocked.
	var stale domain.Message
	err := o.DB.WithContext(ctx).
		Where("conversation_id = ? AND type = ? AND status IN ?",
			conversationID, domain.MessageTypeAssistant,
			[]string{domain.StatusPending, domain.StatusProcessing}).
		Order("created_at DESC").
		First(&stale).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrMessageNotFound
		}
		return "", err
	}
	if err := o.settleCancelled(context.Background(), orgID, conversationID, stale.ID); err != nil {
		return "", err
	}
	return stale.ID, nil
}

// InFlightMessageID reports the assistant message currently generating for
// a conversation, or "" when idle.
func (o *Orchestrator) InFlightMessageID(conversationID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[conversationID].messageID
}

type processJob struct {
	conv        *domain.Conversation
	userID      string
	prompt      string
	messageID   string
	kbScope     []string
	model       string
	temperature *float64
	regenerate  bool
}

// resolveDispatchConfig merges per-send overrides with the conversation's
// stored KB scope and model configuration.
func (o *Orchestrator) resolveDispatchConfig(conv *domain.Conversation, opts SendOptions) ([]string, string, *float64) {
	kbScope := []string(conv.KBScope)
	if len(opts.KBScope) > 0 {
		kbScope = opts.KBScope
	}
	model := conv.Model
	if opts.Model != "" {
		model = opts.Model
	}
	temp := opts.Temperature
	if temp == nil && conv.Temperature > 0 {
		t := conv.Temperature
		temp = &t
	}
	return kbScope, model, temp
}

// process runs the dispatch stage on a detached context so the originating
// HTTP request ending does not abort generation. Only Stop cancels it.
func (o *Orchestrator) process(job processJob) {
	ctx, cancel := context.WithCancel(context.Background())
	o.registerCancel(job.conv.ID, job.messageID, cancel)
	defer func() {
		cancel()
		o.release(job.conv.ID, job.messageID)
	}()

	if !job.regenerate {
		if err := repo.UpdateMessageFields(o.DB, job.messageID, map[string]any{
			"status": domain.StatusProcessing,
		}); err != nil {
			o.Log.Error().Err(err).Str("message_id", job.messageID).Msg("mark processing failed")
			return
		}
		o.publishDelta(job.conv.OrgID, job.conv.ID, job.messageID, nil, strPtr(domain.StatusProcessing), nil, nil, nil)
	}

	dispatchCtx := ctx
	if o.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		dispatchCtx, cancelTimeout = context.WithTimeout(ctx, o.Timeout)
		defer cancelTimeout()
	}

	history, err := o.historyFor(job.conv.ID, job.messageID)
	if err != nil {
		o.Log.Error().Err(err).Str("conversation_id", job.conv.ID).Msg("history load failed")
		history = nil
	}

	dispatchCtx, span := observability.Tracer().Start(dispatchCtx, "chat.generate",
		trace.WithAttributes(
			attribute.String("conversation.id", job.conv.ID),
			attribute.Bool("regenerate", job.regenerate),
		))
	outcome := o.Engine.Submit(dispatchCtx, webhook.Payload{
		ConversationID: job.conv.ID,
		MessageID:      job.messageID,
		Prompt:         job.prompt,
		OrgID:          job.conv.OrgID,
		UserID:         job.userID,
		KBScope:        job.kbScope,
		Model:          webhook.ModelConfig{Model: job.model, Temperature: job.temperature},
		History:        history,
		Regenerate:     job.regenerate,
	})
	if !outcome.OK {
		span.SetAttributes(attribute.String("dispatch.reason", outcome.Reason))
	}
	span.End()

	switch {
	case outcome.OK:
		o.settleCompleted(job, outcome)
	case outcome.Reason == webhook.ReasonCancelled:
		if err := o.settleCancelled(context.Background(), job.conv.OrgID, job.conv.ID, job.messageID); err != nil {
			o.Log.Error().Err(err).Str("message_id", job.messageID).Msg("cancel write-back failed")
		}
	default:
		o.settleFailed(job, outcome.Reason)
	}
}

// settleCompleted writes content, sources, and metadata atomically and
// announces completion on the change feed.
func (o *Orchestrator) settleCompleted(job processJob, out webhook.Outcome) {
	meta := out.Metadata
	if meta.Model == "" {
		meta.Model = job.model
	}
	if job.regenerate {
		now := time.Now().UTC()
		meta.RegeneratedAt = &now
	}

	err := o.DB.Transaction(func(tx *gorm.DB) error {
		if err := repo.ReplaceSources(tx, job.messageID, out.Sources); err != nil {
			return err
		}
		return repo.UpdateMessageFields(tx, job.messageID, map[string]any{
			"content":       out.Content,
			"status":        domain.StatusCompleted,
			"error_message": "",
			"metadata":      meta,
		})
	})
	if err != nil {
		o.Log.Error().Err(err).Str("message_id", job.messageID).Msg("completion write-back failed")
		o.settleFailed(job, "storage: "+err.Error())
		return
	}

	o.publishDelta(job.conv.OrgID, job.conv.ID, job.messageID,
		strPtr(out.Content), strPtr(domain.StatusCompleted), strPtr(""), out.Sources, &meta)
	o.publishUpdated(job.conv.OrgID, job.conv.ID, job.messageID)

	if o.Events != nil {
		o.Events.Trigger(webhook.EventChatMessageCompleted, job.conv.OrgID, map[string]any{
			"conversation_id": job.conv.ID,
			"message_id":      job.messageID,
			"regenerated":     job.regenerate,
		})
	}
}

// settleFailed applies the failure policy: plain sends complete with
// fallback text and a fallback marker; regenerations flip to error with the
// content left empty from the reset.
func (o *Orchestrator) settleFailed(job processJob, reason string) {
	pe := ClassifyDispatchReason(reason)
	o.Log.Warn().
		Str("conversation_id", job.conv.ID).
		Str("message_id", job.messageID).
		Str("reason", reason).
		Str("category", pe.Category).
		Bool("regenerate", job.regenerate).
		Msg("message processing failed")

	if job.regenerate {
		if err := repo.UpdateMessageFields(o.DB, job.messageID, map[string]any{
			"status":        domain.StatusError,
			"error_message": pe.UserMessage,
		}); err != nil {
			o.Log.Error().Err(err).Str("message_id", job.messageID).Msg("error write-back failed")
			return
		}
		o.publishDelta(job.conv.OrgID, job.conv.ID, job.messageID,
			nil, strPtr(domain.StatusError), strPtr(pe.UserMessage), nil, nil)
		o.publishUpdated(job.conv.OrgID, job.conv.ID, job.messageID)
		return
	}

	meta := domain.MessageMetadata{Fallback: true}
	content := FallbackContent(job.prompt, pe)
	if err := repo.UpdateMessageFields(o.DB, job.messageID, map[string]any{
		"content":       content,
		"status":        domain.StatusCompleted,
		"error_message": "",
		"metadata":      meta,
	}); err != nil {
		o.Log.Error().Err(err).Str("message_id", job.messageID).Msg("fallback write-back failed")
		return
	}
	o.publishDelta(job.conv.OrgID, job.conv.ID, job.messageID,
		strPtr(content), strPtr(domain.StatusCompleted), strPtr(""), nil, &meta)
	o.publishUpdated(job.conv.OrgID, job.conv.ID, job.messageID)
}

// settleCancelled marks a message as cancelled and announces the change.
func (o *Orchestrator) settleCancelled(ctx context.Context, orgID, conversationID, messageID string) error {
	msg := "stopped by user"
	if err := repo.UpdateMessageFields(o.DB.WithContext(ctx), messageID, map[string]any{
		"status":        domain.StatusCancelled,
		"error_message": msg,
	}); err != nil {
		return err
	}
	o.publishDelta(orgID, conversationID, messageID, nil, strPtr(domain.StatusCancelled), strPtr(msg), nil, nil)
	o.publishUpdated(orgID, conversationID, messageID)
	return nil
}

// historyFor loads the trailing window of completed turns, excluding the
// message being generated.
func (o *Orchestrator) historyFor(conversationID, excludeID string) ([]webhook.HistoryEntry, error) {
	msgs, err := repo.ListMessages(o.DB, conversationID, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]webhook.HistoryEntry, 0, historyWindow)
	for _, m := range msgs {
		if m.ID == excludeID || m.Status != domain.StatusCompleted || m.Type == domain.MessageTypeSystem {
			continue
		}
		entries = append(entries, webhook.HistoryEntry{Type: m.Type, Content: m.Content})
	}
	if len(entries) > historyWindow {
		entries = entries[len(entries)-historyWindow:]
	}
	return entries, nil
}

// promptFor resolves the user prompt that preceded an assistant message.
func (o *Orchestrator) promptFor(ctx context.Context, target *domain.Message) (string, error) {
	var prev domain.Message
	err := o.DB.WithContext(ctx).
		Where("conversation_id = ? AND type = ? AND (created_at < ? OR (created_at = ? AND id < ?))",
			target.ConversationID, domain.MessageTypeUser,
			target.CreatedAt, target.CreatedAt, target.ID).
		Order("created_at DESC, id DESC").
		First(&prev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrMessageNotFound
		}
		return "", err
	}
	return prev.Content, nil
}

// acquire claims the per-conversation generation slot.
func (o *Orchestrator) acquire(conversationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[conversationID]; busy {
		return ErrMessageInFlight
	}

	var n int64
	err := o.DB.Model(&domain.Message{}).
		Where("conversation_id = ? AND type = ? AND status IN ?",
			conversationID, domain.MessageTypeAssistant,
			[]string{domain.StatusPending, domain.StatusProcessing}).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrMessageInFlight
	}

	o.inflight[conversationID] = inflightEntry{}
	return nil
}

func (o *Orchestrator) setInflightMessage(conversationID, messageID string) {
	o.mu.Lock()
	if e, ok := o.inflight[conversationID]; ok {
		e.messageID = messageID
		o.inflight[conversationID] = e
	}
	o.mu.Unlock()
}

func (o *Orchestrator) registerCancel(conversationID, messageID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.inflight[conversationID] = inflightEntry{messageID: messageID, cancel: cancel}
	o.mu.Unlock()
}

// release frees the slot, but only if it still belongs to messageID (or the
// slot was never bound to a message).
func (o *Orchestrator) release(conversationID, messageID string) {
	o.mu.Lock()
	if e, ok := o.inflight[conversationID]; ok {
		if e.messageID == "" || e.messageID == messageID {
			delete(o.inflight, conversationID)
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishDelta(orgID, conversationID, messageID string, content, status, errMsg *string, sources []domain.Source, meta *domain.MessageMetadata) {
	o.Hub.Publish(realtime.Event{
		Type:           realtime.EventBroadcast,
		OrgID:          orgID,
		ConversationID: conversationID,
		Delta: &realtime.MessageDelta{
			MessageID:    messageID,
			Content:      content,
			Status:       status,
			ErrorMessage: errMsg,
			UpdatedAt:    time.Now().UTC(),
			Sources:      sources,
			Metadata:     meta,
		},
	})
}

// publishUpdated re-reads the persisted row and announces it. Broadcast and
// row-update events are intentionally both emitted; subscribers merge them
// by message id.
func (o *Orchestrator) publishUpdated(orgID, conversationID, messageID string) {
	m, err := repo.GetMessage(o.DB, messageID)
	if err != nil {
		o.Log.Error().Err(err).Str("message_id", messageID).Msg("post-update read failed")
		return
	}
	o.Hub.Publish(realtime.Event{
		Type:           realtime.EventMessageUpdated,
		OrgID:          orgID,
		ConversationID: conversationID,
		Message:        m,
	})
}

func strPtr(s string) *string { return &s }
