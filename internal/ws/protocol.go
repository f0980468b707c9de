package ws

import (
	"encoding/json"

	"github.com/dgnsrekt/subcast/internal/subtitle"
)

// Request kinds a client may send.
const (
	requestThumbnail  = "thumbnail"
	requestAudio      = "audio"
	requestAudioRange = "audio_range"
)

// subtitleMessage is the live event pushed for every completed subtitle.
type subtitleMessage struct {
	Type     string  `json:"type"`
	ID       uint64  `json:"id"`
	Subtitle string  `json:"subtitle"`
	SubStart float64 `json:"sub_start"`
	SubEnd   float64 `json:"sub_end"`
}

func encodeSubtitle(sub subtitle.Subtitle) []byte {
	data, _ := json.Marshal(subtitleMessage{
		Type:     "subtitle",
		ID:       sub.ID,
		Subtitle: sub.Text,
		SubStart: sub.SubStart,
		SubEnd:   sub.SubEnd,
	})
	return data
}

// clipRequest is an inbound clip request. Offsets only apply to audio
// kinds; pointer fields distinguish absent from zero.
type clipRequest struct {
	Request     string   `json:"request"`
	ID          *uint64  `json:"id"`
	StartID     *uint64  `json:"start_id"`
	EndID       *uint64  `json:"end_id"`
	OffsetStart *float64 `json:"offset_start"`
	OffsetEnd   *float64 `json:"offset_end"`
}

// parseRequest decodes an inbound frame. A malformed or unrecognized
// request yields ok=false and is silently ignored by the session.
func parseRequest(data []byte) (clipRequest, bool) {
	var req clipRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, false
	}
	switch req.Request {
	case requestThumbnail, requestAudio:
		return req, req.ID != nil
	case requestAudioRange:
		return req, req.StartID != nil && req.EndID != nil
	default:
		return req, false
	}
}

// clipReply answers one clip request. Data is null when encoding failed;
// the failure itself is only logged, never surfaced to the client.
type clipReply struct {
	Type    string  `json:"type"`
	ID      *uint64 `json:"id,omitempty"`
	StartID *uint64 `json:"start_id,omitempty"`
	EndID   *uint64 `json:"end_id,omitempty"`
	Data    *string `json:"data"`
}

func encodeReply(reply clipReply) []byte {
	data, _ := json.Marshal(reply)
	return data
}
