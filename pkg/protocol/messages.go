package protocol

import (
	"time"

	"github.com/NicolasHaas/gochat/pkg/model"
)

// ----- Inbound -----

type SendMessage struct {
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

// Typing is routed without validation; an unknown or empty receiver is
// dropped.
type Typing struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// ----- Outbound -----

type OnlineUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type StatusChange struct {
	UserID      string       `json:"userId"`
	DisplayName string       `json:"displayName"`
	Status      model.Status `json:"status"`
}

// Message is a persisted message as delivered to both parties, enriched
// with display names.
type Message struct {
	ID           int64     `json:"id"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	ReceiverID   string    `json:"receiverId"`
	ReceiverName string    `json:"receiverName"`
	Content      string    `json:"content"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewMessage builds the wire form of m.
func NewMessage(m *model.Message, senderName, receiverName string) Message {
	return Message{
		ID:           m.ID,
		SenderID:     m.SenderID,
		SenderName:   senderName,
		ReceiverID:   m.ReceiverID,
		ReceiverName: receiverName,
		Content:      m.Content,
		Read:         m.Read,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

type UserTyping struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// Error codes carried by the error event.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
	CodeBadRequest = "bad_request"
	CodeSuperseded = "superseded"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
