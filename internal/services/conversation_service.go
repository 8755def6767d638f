// This file implements the ConversationService, which manages the lifecycle
// of conversations. It validates and normalizes titles, enforces tenancy
// rules, and coordinates repository operations for creating, listing (with
// pagination), renaming, and soft-deleting conversations. Automatic title
// generation from the first prompt is shared with the orchestrator via the
// package-level helpers at the bottom of this file.
//
// Service-level errors (e.g., ErrConversationNotFound) are returned for
// predictable cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/repo"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Placeholder titles eligible for auto-generation.
const (
	defaultTitleNew      = "New conversation"
	defaultTitleUntitled = "Untitled"

	// titleHardCap is the absolute rune limit on stored titles.
	titleHardCap = 100
)

// ConversationService provides conversation-level operations such as
// creating, listing, renaming, and soft-deleting sessions. It enforces
// title rules and tenancy constraints.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// TitleMaxLen caps stored titles by rune length (≤ 100).
	TitleMaxLen int
	// DefaultModel is applied when a conversation is created without an
	// explicit model configuration.
	DefaultModel string
}

// NewConversationService constructs a ConversationService with sane
// defaults for title handling.
func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{
		DB:          db,
		TitleMaxLen: titleHardCap,
	}
}

// Create inserts a new conversation owned by (orgID, userID). Titles are
// normalized, clipped, and defaulted; a blank model falls back to the
// configured default.
func (s *ConversationService) Create(ctx context.Context, orgID, userID, title string, kbScope []string, model string, temperature float64) (*domain.Conversation, error) {
	title = normalizeTitle(title)
	if title == "" {
		title = defaultTitleNew
	}
	if utf8.RuneCountInString(title) > titleHardCap {
		return nil, ErrTitleTooLong
	}
	if strings.TrimSpace(model) == "" {
		model = s.DefaultModel
	}
	return repo.CreateConversation(ctx, s.DB, orgID, userID, s.clip(title), kbScope, model, temperature)
}

// Get fetches a single active conversation scoped to the caller's org.
func (s *ConversationService) Get(ctx context.Context, orgID, id string) (*domain.Conversation, error) {
	c, err := repo.GetConversation(ctx, s.DB, id, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListPage returns a page of active conversations for (orgID, userID).
// It applies defaults for invalid page/pageSize and returns the total count.
func (s *ConversationService) ListPage(ctx context.Context, orgID, userID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountConversations(ctx, s.DB, orgID, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}

	items, err := repo.ListConversationsPage(ctx, s.DB, orgID, userID, offset, pageSize)
	return items, total, err
}

// UpdateTitle renames a conversation, ensuring it exists and belongs to the
// caller's org. Falls back to "Untitled" when the title is blank.
func (s *ConversationService) UpdateTitle(ctx context.Context, orgID, id, title string) error {
	title = normalizeTitle(title)
	if title == "" {
		title = defaultTitleUntitled
	}
	if utf8.RuneCountInString(title) > titleHardCap {
		return ErrTitleTooLong
	}
	if _, err := repo.GetConversation(ctx, s.DB, id, orgID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return repo.UpdateConversationTitle(ctx, s.DB, id, orgID, s.clip(title))
}

// Delete soft-deletes a conversation by flipping its active flag. The row
// is retained; it simply disappears from listings and lookups.
func (s *ConversationService) Delete(ctx context.Context, orgID, id string) error {
	if err := repo.DeactivateConversation(ctx, s.DB, id, orgID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// clip truncates a conversation title to the configured maximum rune length.
func (s *ConversationService) clip(title string) string {
	max := s.TitleMaxLen
	if max <= 0 || max > titleHardCap {
		max = titleHardCap
	}
	if utf8.RuneCountInString(title) > max {
		return string([]rune(title)[:max])
	}
	return title
}

// --- Title helpers (shared with the orchestrator's auto-titling) ---

// languageOrEnglish is the casing locale for generated titles.
func languageOrEnglish() language.Tag {
	return language.English
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// shouldAutoTitle reports whether the current title is a placeholder.
func shouldAutoTitle(current string) bool {
	t := strings.TrimSpace(strings.ToLower(current))
	return t == "" || t == strings.ToLower(defaultTitleNew) || t == strings.ToLower(defaultTitleUntitled)
}

// generateTitleFromPrompt derives a concise title from the first prompt:
// lowercase tokens, stop-words removed, first eight words title-cased.
func generateTitleFromPrompt(prompt string, locale language.Tag) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	toks := titleWordRE.FindAllString(strings.ToLower(prompt), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(locale)
	out := make([]string, 0, 8)
	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, " ")
}

// clipTitle truncates a generated title to max runes (bounded by the hard cap).
func clipTitle(title string, max int) string {
	if max <= 0 || max > titleHardCap {
		max = titleHardCap
	}
	if utf8.RuneCountInString(title) > max {
		return string([]rune(title)[:max])
	}
	return title
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)

// Extract Unicode letters with optional trailing numbers (e.g., "q3report2025").
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
}
