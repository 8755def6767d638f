// Package services defines the business logic for conversations, messages,
// drafts, templates, and feedback. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist, is inactive, or is not accessible to the caller's org.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyPrompt is returned when a send contains no text after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrPromptTooLong is returned when a prompt exceeds the configured
	// maximum rune length.
	ErrPromptTooLong = errors.New("prompt too long")

	// ErrTitleTooLong is returned when a conversation title exceeds 100 runes
	// after normalization.
	ErrTitleTooLong = errors.New("title too long")

	// ErrMessageInFlight is returned when a send is attempted while an
	// assistant message of the same conversation is still pending or
	// processing.
	ErrMessageInFlight = errors.New("a message is already being processed for this conversation")
)

// Message-related errors.
var (
	// ErrMessageNotFound indicates that the requested message does not exist
	// or is not accessible to the caller.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotAssistantMessage is returned when regeneration targets a message
	// that is not an assistant turn.
	ErrNotAssistantMessage = errors.New("only assistant messages can be regenerated")

	// ErrRegenerateNotAllowed is returned when the orchestrator's
	// RegenerateScope policy forbids regenerating the targeted message.
	ErrRegenerateNotAllowed = errors.New("regeneration is only allowed for the latest assistant message")
)

// Template-related errors.
var (
	// ErrTemplateNotFound indicates a missing or invisible template.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrTemplateForbidden is returned when the caller is not allowed to
	// modify the template (not the owner, or the template is built-in).
	ErrTemplateForbidden = errors.New("cannot modify this template")

	// ErrTemplateEmpty is returned when template content is blank.
	ErrTemplateEmpty = errors.New("template content is empty")
)

// Feedback-related errors.
var (
	// ErrInvalidFeedback is returned when a feedback value is outside the
	// allowed set (currently -1 or 1).
	ErrInvalidFeedback = errors.New("feedback value must be -1 or 1")

	// ErrForbiddenFeedback is returned when a user attempts to leave feedback
	// on a message they are not permitted to rate.
	ErrForbiddenFeedback = errors.New("cannot leave feedback on this message")

	// ErrDuplicateFeedback is returned when a user attempts to leave feedback
	// on a message that they have already rated.
	ErrDuplicateFeedback = errors.New("feedback already exists")
)
