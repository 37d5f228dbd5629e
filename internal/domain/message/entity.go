package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is the persisted chat message record. The gateway never creates or
// mutates these; it receives already-persisted records from the REST layer and
// forwards them, and flips read state on behalf of a reader.
type Message struct {
	ID         uuid.UUID `db:"id" json:"id"`
	SenderID   uuid.UUID `db:"sender_id" json:"sender_id"`
	ReceiverID uuid.UUID `db:"receiver_id" json:"receiver_id"`
	Text       string    `db:"text" json:"text"`
	Image      *string   `db:"image" json:"image,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Read       bool      `db:"read" json:"read"`
}
