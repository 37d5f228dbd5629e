package message

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrMessageNotFound = errors.New("message not found")

// Repository defines message read-state access
type Repository interface {
	// MarkConversationRead marks every unread message from senderID to
	// readerID as read and returns how many rows changed.
	MarkConversationRead(ctx context.Context, senderID, readerID uuid.UUID) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	CountUnread(ctx context.Context, receiverID uuid.UUID) (int, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates new message repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) MarkConversationRead(ctx context.Context, senderID, readerID uuid.UUID) (int, error) {
	query := `
		UPDATE messages
		SET read = TRUE
		WHERE sender_id = $1 AND receiver_id = $2 AND read = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, senderID, readerID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT * FROM messages WHERE id = $1`
	var msg Message
	err := r.db.GetContext(ctx, &msg, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *repository) CountUnread(ctx context.Context, receiverID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND read = FALSE`
	var count int
	if err := r.db.GetContext(ctx, &count, query, receiverID); err != nil {
		return 0, err
	}
	return count, nil
}
