// Package transcript is the persistence bridge: it durably stores the merged
// message set the orchestration engine produces for each conversation.
package transcript

import (
	"context"

	"github.com/prompterhq/prompter/pkg/models"
)

// Store persists conversation transcripts. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveTranscript replaces the stored transcript for the conversation
	// with the given ordered message list.
	SaveTranscript(ctx context.Context, conversationID string, messages []*models.Message) error

	// GetTranscript returns the stored messages for the conversation in
	// order, or an empty slice if none exist.
	GetTranscript(ctx context.Context, conversationID string) ([]*models.Message, error)

	Close() error
}
