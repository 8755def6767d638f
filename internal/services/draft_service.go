// Draft persistence.
//
// The DraftStore is the server-side compose buffer: one slot per
// (org, user, conversation), last write wins. Updates are debounced so a
// typing user produces one write per quiet period instead of one per
// keystroke; Close and Clear flush or discard pending writes so no
// keystroke is lost on shutdown. Drafts silently expire a fixed interval
// after their last write, enforced lazily on Load and eagerly by Sweep.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/config"
	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/repo"
)

type draftKey struct {
	orgID          string
	userID         string
	conversationID string
}

type pendingDraft struct {
	timer   *time.Timer
	text    string
	kbScope []string
}

// DraftStore debounces and persists compose buffers. Construct with
// NewDraftStore; call Close on shutdown to flush pending writes.
type DraftStore struct {
	DB  *gorm.DB
	Log zerolog.Logger

	TTL      time.Duration
	Debounce time.Duration

	// Now is the clock; tests replace it to drive expiry.
	Now func() time.Time

	mu      sync.Mutex
	pending map[draftKey]*pendingDraft
	closed  bool
}

// NewDraftStore builds a DraftStore from configuration.
func NewDraftStore(db *gorm.DB, cfg config.DraftConfig, log zerolog.Logger) *DraftStore {
	return &DraftStore{
		DB:       db,
		Log:      log,
		TTL:      cfg.TTL,
		Debounce: cfg.Debounce,
		Now:      time.Now,
		pending:  make(map[draftKey]*pendingDraft),
	}
}

// Update records the latest compose text for a slot. The write is deferred
// by the debounce interval; rapid successive updates collapse into one
// persisted row carrying the final text. A zero debounce persists
// immediately. An all-whitespace text means the user emptied the box: the
// slot is deleted, pending write included.
func (s *DraftStore) Update(orgID, userID, conversationID, text string, kbScope []string) error {
	if strings.TrimSpace(text) == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Clear(ctx, orgID, userID, conversationID)
	}
	if s.Debounce <= 0 {
		return s.persist(draftKey{orgID, userID, conversationID}, text, kbScope)
	}

	key := draftKey{orgID, userID, conversationID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("draft store is closed")
	}

	if p, ok := s.pending[key]; ok {
		p.text = text
		p.kbScope = kbScope
		p.timer.Reset(s.Debounce)
		return nil
	}

	p := &pendingDraft{text: text, kbScope: kbScope}
	p.timer = time.AfterFunc(s.Debounce, func() { s.flush(key) })
	s.pending[key] = p
	return nil
}

// Load returns the draft for a slot, or nil when none exists. Expired
// drafts are deleted transparently and reported as absent.
func (s *DraftStore) Load(ctx context.Context, orgID, userID, conversationID string) (*domain.Draft, error) {
	key := draftKey{orgID, userID, conversationID}

	// A pending write is fresher than the stored row.
	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		d := &domain.Draft{
			OrgID:          orgID,
			UserID:         userID,
			ConversationID: conversationID,
			Text:           p.text,
			KBScope:        p.kbScope,
			UpdatedAt:      s.Now().UTC(),
		}
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	d, err := repo.GetDraft(ctx, s.DB, orgID, userID, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if s.TTL > 0 && s.Now().UTC().Sub(d.UpdatedAt) > s.TTL {
		if derr := repo.DeleteDraft(ctx, s.DB, orgID, userID, conversationID); derr != nil {
			s.Log.Warn().Err(derr).Str("conversation_id", conversationID).Msg("expired draft delete failed")
		}
		return nil, nil
	}
	return d, nil
}

// Clear discards the draft for a slot, including any not-yet-persisted
// pending write. Called when a message is sent or the user empties the box.
func (s *DraftStore) Clear(ctx context.Context, orgID, userID, conversationID string) error {
	key := draftKey{orgID, userID, conversationID}
	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()
	return repo.DeleteDraft(ctx, s.DB, orgID, userID, conversationID)
}

// Sweep removes all drafts whose last write is older than the TTL. Intended
// to run periodically from a background goroutine.
func (s *DraftStore) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.Now().UTC().Add(-s.TTL)
	n, err := repo.DeleteExpiredDrafts(ctx, s.DB, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Info().Int64("removed", n).Msg("swept expired drafts")
	}
	return n, nil
}

// Close flushes every pending write synchronously and stops accepting
// updates.
func (s *DraftStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	keys := make([]draftKey, 0, len(s.pending))
	writes := make([]*pendingDraft, 0, len(s.pending))
	for k, p := range s.pending {
		p.timer.Stop()
		keys = append(keys, k)
		writes = append(writes, p)
	}
	s.pending = make(map[draftKey]*pendingDraft)
	s.mu.Unlock()

	for i, k := range keys {
		if err := s.persist(k, writes[i].text, writes[i].kbScope); err != nil {
			s.Log.Error().Err(err).Str("conversation_id", k.conversationID).Msg("draft flush on close failed")
		}
	}
}

// flush is the debounce-timer callback.
func (s *DraftStore) flush(key draftKey) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	text, kbScope := p.text, p.kbScope
	s.mu.Unlock()

	if err := s.persist(key, text, kbScope); err != nil {
		s.Log.Error().Err(err).Str("conversation_id", key.conversationID).Msg("draft persist failed")
	}
}

func (s *DraftStore) persist(key draftKey, text string, kbScope []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return repo.UpsertDraft(ctx, s.DB, key.orgID, key.userID, key.conversationID, text, kbScope, s.Now())
}
