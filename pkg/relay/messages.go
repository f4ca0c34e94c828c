package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/NicolasHaas/gochat/pkg/metrics"
	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// MessageStore is the persistence the relay needs to accept a message.
type MessageStore interface {
	FindUserByID(ctx context.Context, id string) (*model.User, error)
	CreateMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error)
}

// Messages validates, persists and routes one-to-one messages. Delivery to
// the receiver is at most once and only while it is connected.
type Messages struct {
	registry *Registry
	store    MessageStore
	validate *validator.Validate
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewMessages(registry *Registry, store MessageStore, log *slog.Logger, m *metrics.Metrics) *Messages {
	return &Messages{
		registry: registry,
		store:    store,
		validate: newValidator(),
		log:      log,
		metrics:  m,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Send handles a send-message event from sender. Any failure is reported to
// sender as an error event and returned; nothing else is notified.
func (m *Messages) Send(ctx context.Context, sender *Session, req protocol.SendMessage) error {
	msg, receiverName, err := m.accept(ctx, sender, req)
	if err != nil {
		m.metrics.EventError(ErrorCode(err))
		if !sender.Send(errorEvent(err)) {
			m.metrics.DeliveryMiss(protocol.EventError)
		}
		return err
	}

	wire := protocol.NewMessage(msg, sender.Identity().DisplayName, receiverName)

	delivered := false
	if rs, ok := m.registry.Lookup(msg.ReceiverID); ok {
		delivered = rs.Send(protocol.Outbound{Event: protocol.EventReceiveMessage, Data: wire})
		if !delivered {
			m.metrics.DeliveryMiss(protocol.EventReceiveMessage)
		}
	}
	m.metrics.MessageStored(delivered)

	if !sender.Send(protocol.Outbound{Event: protocol.EventMessageSent, Data: wire}) {
		m.metrics.DeliveryMiss(protocol.EventMessageSent)
	}

	m.log.Debug("message relayed",
		"user", sender.UserID(),
		"receiver", msg.ReceiverID,
		"message_id", msg.ID,
		"delivered", delivered,
	)
	return nil
}

// accept runs validation, receiver resolution and persistence in that order.
func (m *Messages) accept(ctx context.Context, sender *Session, req protocol.SendMessage) (*model.Message, string, error) {
	if err := m.check(req); err != nil {
		return nil, "", err
	}

	receiver, err := m.store.FindUserByID(ctx, req.ReceiverID)
	if err != nil {
		m.log.Error("receiver lookup failed", "user", sender.UserID(), "receiver", req.ReceiverID, "err", err)
		return nil, "", &Error{Kind: ErrPersistence, Err: err}
	}
	if receiver == nil {
		return nil, "", &Error{Kind: ErrNotFound, Detail: "receiver " + req.ReceiverID + " does not exist"}
	}

	msg, err := m.store.CreateMessage(ctx, sender.UserID(), receiver.ID, req.Content)
	if err != nil {
		m.log.Error("message persist failed", "user", sender.UserID(), "receiver", receiver.ID, "err", err)
		return nil, "", &Error{Kind: ErrPersistence, Err: err}
	}
	return msg, receiver.DisplayName, nil
}

func (m *Messages) check(req protocol.SendMessage) error {
	if err := m.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &Error{Kind: ErrValidation, Detail: fmt.Sprintf("%s is %s", fe.Field(), fe.Tag())}
		}
		return &Error{Kind: ErrValidation, Err: err}
	}
	if err := model.ValidateContent(req.Content); err != nil {
		return &Error{Kind: ErrValidation, Detail: err.Error()}
	}
	return nil
}
