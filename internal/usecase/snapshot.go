package usecase

import (
	"wa-relay/internal/audit"
	"wa-relay/internal/domain"
)

// auditSnapshot builds the audit rows for one stored message and the
// conversation state after it. msg may be nil when the row was not stored.
func auditSnapshot(conv domain.Conversation, msg *domain.Message, notes string) audit.Snapshot {
	firstSeen := conv.FirstInboundAt
	if firstSeen == nil {
		created := conv.CreatedAt
		firstSeen = &created
	}
	snap := audit.Snapshot{
		Conversation: &audit.ConversationRow{
			ConversationID:       conv.ID,
			ParticipantID:        conv.ParticipantID,
			Source:               conv.Source,
			FirstInboundAt:       conv.FirstInboundAt,
			FirstOutboundAt:      conv.FirstOutboundAt,
			FirstResponseSeconds: conv.FirstResponseSeconds,
			LastMessageAt:        conv.LastMessageAt,
			LastDirection:        string(conv.LastDirection),
		},
		User: &audit.UserRow{
			ParticipantID: conv.ParticipantID,
			FirstSeenAt:   firstSeen,
			LastSeenAt:    conv.LastMessageAt,
			// One conversation per participant.
			ConversationsCount: 1,
			LastConversationID: conv.ID,
			LastMessageAt:      conv.LastMessageAt,
			Notes:              notes,
		},
	}
	if msg != nil {
		body := ""
		if msg.Body != nil {
			body = *msg.Body
		}
		snap.Message = &audit.MessageRow{
			MessageID:      msg.ExternalID,
			ConversationID: msg.ConversationID,
			ParticipantID:  conv.ParticipantID,
			Timestamp:      msg.OccurredAt,
			Direction:      string(msg.Direction),
			Type:           msg.Type,
			Body:           body,
		}
	}
	return snap
}
