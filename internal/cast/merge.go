package cast

import (
	"github.com/prompterhq/prompter/pkg/models"
)

// MergeTranscript builds the final message set for a run: the caller-supplied
// history in its original order, followed by the messages the run produced.
// Every message is tagged with the conversation ID; history messages that
// already carry one keep it.
func MergeTranscript(conversationID string, history, produced []*models.Message) []*models.Message {
	merged := make([]*models.Message, 0, len(history)+len(produced))
	for _, m := range history {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		merged = append(merged, m)
	}
	for _, m := range produced {
		m.ConversationID = conversationID
		merged = append(merged, m)
	}
	return merged
}
