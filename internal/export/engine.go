// Package export renders conversation transcripts into downloadable
// artifacts. The Engine validates the requested format before touching any
// data, filters the transcript (date range, system turns), and hands a
// normalized projection to one of the per-format renderers. JSON output is
// the canonical machine-readable form; markdown, plain text, HTML, and PDF
// are presentation variants of the same projection.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/repo"
)

// Supported export formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "txt"
	FormatHTML     = "html"
	FormatPDF      = "pdf"
)

// ErrUnsupportedFormat is returned before any data is read when the
// requested format is not one of the supported set.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ErrConversationNotFound mirrors the service-layer sentinel so handlers
// need only one mapping.
var ErrConversationNotFound = errors.New("conversation not found")

// chunkPreviewLen caps cited source excerpts in rendered output.
const chunkPreviewLen = 200

// Options selects and filters an export.
type Options struct {
	Format        string
	From          *time.Time // inclusive lower bound on message created_at
	To            *time.Time // inclusive upper bound
	IncludeSystem bool       // include system turns (off by default)

	// Presentation toggles. DefaultOptions switches them all on; a zero
	// Options renders the bare transcript.
	IncludeMetadata   bool   // models, token totals, per-message metadata
	IncludeSources    bool   // cited source excerpts
	IncludeTimestamps bool   // per-message timestamps
	CustomTitle       string // replaces the conversation title when non-empty
}

// DefaultOptions returns Options for format with every presentation toggle
// enabled, matching what the download endpoint serves unless told otherwise.
func DefaultOptions(format string) Options {
	return Options{
		Format:            format,
		IncludeMetadata:   true,
		IncludeSources:    true,
		IncludeTimestamps: true,
	}
}

// Artifact is a rendered export ready to be served as a download.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// transcript is the normalized projection every renderer consumes. The
// presentation toggles are resolved here so renderers stay branch-light.
type transcript struct {
	Conversation *domain.Conversation
	Title        string
	Messages     []domain.Message
	ExportedAt   time.Time

	MessageCount int
	Models       []string // distinct, sorted; empty when metadata is off
	TotalTokens  int

	WithTimestamps bool
	WithMetadata   bool
}

// Engine renders conversation exports.
type Engine struct {
	DB *gorm.DB

	// Now stamps exported_at; tests replace it for stable output.
	Now func() time.Time
}

// NewEngine constructs an Engine with the real clock.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{DB: db, Now: time.Now}
}

// Export renders a conversation in the requested format. Format validation
// happens first so an unsupported format never costs a query.
func (e *Engine) Export(ctx context.Context, orgID, conversationID string, opts Options) (*Artifact, error) {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	switch format {
	case FormatJSON, FormatMarkdown, FormatText, FormatHTML, FormatPDF:
	case "md":
		format = FormatMarkdown
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}

	conv, err := repo.GetConversation(ctx, e.DB, conversationID, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	msgs, err := repo.ListMessages(e.DB.WithContext(ctx), conv.ID, 0)
	if err != nil {
		return nil, err
	}

	tr := e.project(conv, filterMessages(msgs, opts), opts)

	var (
		data []byte
		mime string
	)
	switch format {
	case FormatJSON:
		data, err = renderJSON(tr)
		mime = "application/json"
	case FormatMarkdown:
		data, err = renderMarkdown(tr), nil
		mime = "text/markdown; charset=utf-8"
	case FormatText:
		data, err = renderText(tr), nil
		mime = "text/plain; charset=utf-8"
	case FormatHTML:
		data, err = renderHTML(tr), nil
		mime = "text/html; charset=utf-8"
	case FormatPDF:
		data, err = renderPDF(tr)
		mime = "application/pdf"
	}
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Filename:    ExportFilename(tr.Title, format),
		ContentType: mime,
		Data:        data,
	}, nil
}

// filterMessages applies the date range and system-turn filters.
func filterMessages(msgs []domain.Message, opts Options) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == domain.MessageTypeSystem && !opts.IncludeSystem {
			continue
		}
		if opts.From != nil && m.CreatedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && m.CreatedAt.After(*opts.To) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// project computes the aggregate header shared by all formats and applies
// the presentation toggles.
func (e *Engine) project(conv *domain.Conversation, msgs []domain.Message, opts Options) transcript {
	var models []string
	tokens := 0
	if opts.IncludeMetadata {
		modelSet := make(map[string]struct{})
		for _, m := range msgs {
			if m.Metadata.Model != "" {
				modelSet[m.Metadata.Model] = struct{}{}
			}
			tokens += m.Metadata.TokensUsed
		}
		models = make([]string, 0, len(modelSet))
		for name := range modelSet {
			models = append(models, name)
		}
		sort.Strings(models)
	}

	if !opts.IncludeSources {
		for i := range msgs {
			msgs[i].Sources = nil
		}
	}

	title := strings.TrimSpace(opts.CustomTitle)
	if title == "" {
		title = conv.Title
	}

	return transcript{
		Conversation:   conv,
		Title:          title,
		Messages:       msgs,
		ExportedAt:     e.Now().UTC(),
		MessageCount:   len(msgs),
		Models:         models,
		TotalTokens:    tokens,
		WithTimestamps: opts.IncludeTimestamps,
		WithMetadata:   opts.IncludeMetadata,
	}
}

// --- JSON ---

type jsonSource struct {
	DocumentName string  `json:"document_name"`
	Chunk        string  `json:"chunk"`
	Confidence   float64 `json:"confidence"`
	FileID       string  `json:"file_id,omitempty"`
}

type jsonMessage struct {
	ID        string                  `json:"id"`
	Type      string                  `json:"type"`
	Content   string                  `json:"content"`
	Status    string                  `json:"status"`
	CreatedAt *time.Time              `json:"created_at,omitempty"`
	Sources   []jsonSource            `json:"sources,omitempty"`
	Metadata  *domain.MessageMetadata `json:"metadata,omitempty"`
}

type jsonExport struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	ExportedAt     time.Time     `json:"exported_at"`
	MessageCount   int           `json:"message_count"`
	Models         []string      `json:"models,omitempty"`
	TotalTokens    int           `json:"total_tokens"`
	Messages       []jsonMessage `json:"messages"`
}

func renderJSON(tr transcript) ([]byte, error) {
	out := jsonExport{
		ConversationID: tr.Conversation.ID,
		Title:          tr.Title,
		ExportedAt:     tr.ExportedAt,
		MessageCount:   tr.MessageCount,
		Models:         tr.Models,
		TotalTokens:    tr.TotalTokens,
		Messages:       make([]jsonMessage, 0, len(tr.Messages)),
	}
	for _, m := range tr.Messages {
		jm := jsonMessage{
			ID:      m.ID,
			Type:    m.Type,
			Content: m.Content,
			Status:  m.Status,
		}
		if tr.WithTimestamps {
			ts := m.CreatedAt
			jm.CreatedAt = &ts
		}
		for _, s := range m.Sources {
			jm.Sources = append(jm.Sources, jsonSource{
				DocumentName: s.DocumentName,
				Chunk:        s.Chunk,
				Confidence:   s.Confidence,
				FileID:       s.FileID,
			})
		}
		if tr.WithMetadata && !m.Metadata.IsZero() {
			md := m.Metadata
			jm.Metadata = &md
		}
		out.Messages = append(out.Messages, jm)
	}
	return json.MarshalIndent(out, "", "  ")
}

// --- Markdown ---

func renderMarkdown(tr transcript) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", tr.Title)
	fmt.Fprintf(&b, "Exported: %s  \n", tr.ExportedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages: %d  \n", tr.MessageCount)
	if len(tr.Models) > 0 {
		fmt.Fprintf(&b, "Models: %s  \n", strings.Join(tr.Models, ", "))
	}
	if tr.WithMetadata && tr.TotalTokens > 0 {
		fmt.Fprintf(&b, "Tokens: %d  \n", tr.TotalTokens)
	}
	b.WriteString("\n---\n\n")

	for _, m := range tr.Messages {
		if tr.WithTimestamps {
			fmt.Fprintf(&b, "## %s — %s\n\n", roleLabel(m.Type), m.CreatedAt.Format("2006-01-02 15:04"))
		} else {
			fmt.Fprintf(&b, "## %s\n\n", roleLabel(m.Type))
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
		if len(m.Sources) > 0 {
			b.WriteString("\n**Sources:**\n\n")
			for _, s := range m.Sources {
				fmt.Fprintf(&b, "- %s (%.0f%%): %s\n", s.DocumentName, s.Confidence, truncateChunk(s.Chunk))
			}
		}
		b.WriteString("\n")
	}
	return b.Bytes()
}

// --- Plain text ---

func renderText(tr transcript) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n", tr.Title)
	fmt.Fprintf(&b, "Exported: %s\n", tr.ExportedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages: %d\n", tr.MessageCount)
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	for _, m := range tr.Messages {
		if tr.WithTimestamps {
			fmt.Fprintf(&b, "[%s] %s\n", m.CreatedAt.Format("2006-01-02 15:04"), roleLabel(m.Type))
		} else {
			fmt.Fprintf(&b, "%s\n", roleLabel(m.Type))
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
		for _, s := range m.Sources {
			fmt.Fprintf(&b, "  > %s (%.0f%%): %s\n", s.DocumentName, s.Confidence, truncateChunk(s.Chunk))
		}
		b.WriteString("\n")
	}
	return b.Bytes()
}

// --- HTML ---

func renderHTML(tr transcript) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(tr.Title))
	b.WriteString("<style>body{font-family:sans-serif;max-width:48rem;margin:2rem auto;padding:0 1rem}" +
		".msg{margin:1.5rem 0;padding:1rem;border-radius:8px}" +
		".user{background:#eef2ff}.assistant{background:#f5f5f5}.system{background:#fffbe6}" +
		".role{font-weight:bold;margin-bottom:.5rem}" +
		".sources{font-size:.85em;color:#555;margin-top:.75rem}</style>\n")
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(tr.Title))
	fmt.Fprintf(&b, "<p>Exported %s · %d messages</p>\n",
		html.EscapeString(tr.ExportedAt.Format(time.RFC3339)), tr.MessageCount)

	for _, m := range tr.Messages {
		fmt.Fprintf(&b, "<div class=\"msg %s\">\n", html.EscapeString(m.Type))
		role := html.EscapeString(roleLabel(m.Type))
		if tr.WithTimestamps {
			role += " · " + m.CreatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "<div class=\"role\">%s</div>\n", role)
		content := html.EscapeString(m.Content)
		content = strings.ReplaceAll(content, "\n", "<br>\n")
		fmt.Fprintf(&b, "<div>%s</div>\n", content)
		if len(m.Sources) > 0 {
			b.WriteString("<div class=\"sources\"><strong>Sources</strong><ul>\n")
			for _, s := range m.Sources {
				fmt.Fprintf(&b, "<li>%s (%.0f%%): %s</li>\n",
					html.EscapeString(s.DocumentName), s.Confidence,
					html.EscapeString(truncateChunk(s.Chunk)))
			}
			b.WriteString("</ul></div>\n")
		}
		b.WriteString("</div>\n")
	}
	b.WriteString("</body>\n</html>\n")
	return b.Bytes()
}

// roleLabel maps a message type to its display label.
func roleLabel(msgType string) string {
	switch msgType {
	case domain.MessageTypeUser:
		return "You"
	case domain.MessageTypeAssistant:
		return "Assistant"
	case domain.MessageTypeSystem:
		return "System"
	}
	return msgType
}

// truncateChunk caps a cited excerpt for readable rendering.
func truncateChunk(chunk string) string {
	chunk = strings.TrimSpace(chunk)
	r := []rune(chunk)
	if len(r) <= chunkPreviewLen {
		return chunk
	}
	return string(r[:chunkPreviewLen]) + "…"
}
