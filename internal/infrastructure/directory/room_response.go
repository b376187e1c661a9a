package directory

import (
	"encoding/json"
	"fmt"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
)

// roomResponse accepts every field name the backend has used for the room
// handle over time.
type roomResponse struct {
	RoomHandle   string           `json:"roomHandle"`
	AzureRoomID  string           `json:"azureRoomId"`
	GroupCallID  string           `json:"groupCallId"`
	RoomID       string           `json:"roomId"`
	Participants *participantList `json:"participants"`
}

func (r roomResponse) record() *ports.RoomRecord {
	rec := &ports.RoomRecord{
		Handle: firstNonEmpty(r.RoomHandle, r.AzureRoomID, r.GroupCallID, r.RoomID),
	}
	if r.Participants != nil {
		rec.HasParticipants = true
		rec.Participants = []domain.ParticipantID(*r.Participants)
	}
	return rec
}

// participantList decodes ["id", ...] as well as lists of objects keyed by
// communicationUserId or participantId.
type participantList []domain.ParticipantID

func (l *participantList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(participantList, 0, len(raw))
	for _, item := range raw {
		var s string
		if json.Unmarshal(item, &s) == nil {
			if s != "" {
				out = append(out, domain.ParticipantID(s))
			}
			continue
		}
		var obj struct {
			CommunicationUserID string `json:"communicationUserId"`
			ParticipantID       string `json:"participantId"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("participant entry: %w", err)
		}
		if id := firstNonEmpty(obj.CommunicationUserID, obj.ParticipantID); id != "" {
			out = append(out, domain.ParticipantID(id))
		}
	}
	*l = out
	return nil
}
