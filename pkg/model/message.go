package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxContentLength = 4000

var ErrMessageContentTooLong = fmt.Errorf("message content exceeds %d characters", MessageMaxContentLength)
var ErrMessageContentEmpty = errors.New("message content cannot be empty")
var ErrMessageReceiverEmpty = errors.New("message receiver cannot be empty")
var ErrMessageSenderEmpty = errors.New("message sender cannot be empty")

// Message is a persisted one-to-one message. Only Read changes after creation.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (m *Message) Validate() error {
	if m.SenderID == "" {
		return ErrMessageSenderEmpty
	}
	if m.ReceiverID == "" {
		return ErrMessageReceiverEmpty
	}
	return ValidateContent(m.Content)
}

// ValidateContent rejects empty and whitespace-only content as well as
// content longer than MessageMaxContentLength runes.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrMessageContentEmpty
	} else if utf8.RuneCountInString(content) > MessageMaxContentLength {
		return ErrMessageContentTooLong
	}

	return nil
}

// MessageFilters narrows a conversation query. Nil fields are unbounded.
type MessageFilters struct {
	BeforeID *int64
	PageSize *int64
}
