package correlate

import (
	"context"
	"time"
)

// MediaKind classifies an attachment on an inbound message.
type MediaKind string

const (
	MediaVideo    MediaKind = "video"
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// MediaDescriptor describes media attached to an inbound message.
type MediaDescriptor struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type,omitempty"`
	FileName string    `json:"file_name,omitempty"`
	Size     int64     `json:"size,omitempty"`
}

// InboundMessage is one raw message read from the inbound channel.
type InboundMessage struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Caption   string           `json:"caption,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Media     *MediaDescriptor `json:"media,omitempty"`
}

// SentMessage is the channel's acknowledgement of an outbound send.
type SentMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundChannel sends generation requests.
type OutboundChannel interface {
	Send(ctx context.Context, content string) (SentMessage, error)
}

// InboundReader returns up to limit of the most recent inbound messages.
type InboundReader interface {
	FetchRecent(ctx context.Context, limit int) ([]InboundMessage, error)
}

// ReservationStore is the cluster-wide first-writer-wins claim on message ids.
// TryReserve must be atomic and idempotent: re-reserving an id for the same
// job reports true, for any other job false.
type ReservationStore interface {
	TryReserve(ctx context.Context, messageID, jobID string, method Method) (bool, error)
	ListReserved(ctx context.Context) ([]string, error)
}

// Reservation is a permanent binding of an inbound message to a job.
type Reservation struct {
	MessageID  string    `json:"message_id"`
	JobID      string    `json:"job_id"`
	Method     Method    `json:"method"`
	ReservedAt time.Time `json:"reserved_at"`
}
