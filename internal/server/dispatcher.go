package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// DefaultMaxContentLength bounds message content, in characters.
const DefaultMaxContentLength = 2000

// Dispatcher persists chat messages and routes them to live connections.
type Dispatcher struct {
	registry   *Registry
	store      store.Store
	log        *zap.Logger
	metrics    *Metrics
	validate   *validator.Validate
	maxContent int
	now        func() time.Time
}

// NewDispatcher creates a dispatcher delivering through registry. A
// non-positive maxContent selects DefaultMaxContentLength.
func NewDispatcher(registry *Registry, st store.Store, log *zap.Logger, metrics *Metrics, maxContent int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	return &Dispatcher{
		registry:   registry,
		store:      st,
		log:        log,
		metrics:    metrics,
		validate:   validator.New(),
		maxContent: maxContent,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle persists a Text message from sender and delivers it.
//
// A direct message goes only to the receiver's live connection; a public one
// goes to every live connection except the sender's. Nothing is delivered
// when the store rejects the message. Offline or slow recipients do not make
// Handle fail: the message is persisted and the event is dropped for them.
//
// Receiver existence is the caller's responsibility.
func (d *Dispatcher) Handle(ctx context.Context, sender store.User, text TextData) (store.Message, error) {
	if err := d.checkContent(text.Content); err != nil {
		return store.Message{}, err
	}

	msg := store.NewMessage(sender.ID, text.ReceiverID, text.Content, d.now())
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		d.metrics.PersistenceFailures.Inc()
		d.log.Error("failed to persist message",
			zap.Stringer("sender_id", sender.ID),
			zap.Bool("public", msg.IsPublic()),
			zap.Error(err))
		return store.Message{}, apperror.ErrPersistence.WithMessage("failed to save message").WithError(err)
	}

	if msg.IsPublic() {
		d.metrics.MessagesPersisted.WithLabelValues("public").Inc()
		delivered := d.registry.BroadcastExcept(sender.ID, DeliveryEvent(msg, sender.Username, ""))
		d.log.Debug("public message dispatched",
			zap.Stringer("message_id", msg.ID),
			zap.Int("delivered", delivered))
		return msg, nil
	}

	d.metrics.MessagesPersisted.WithLabelValues("direct").Inc()
	receiverName := ""
	if receiver, err := d.store.FindUser(ctx, *msg.ReceiverID); err == nil {
		receiverName = receiver.Username
	} else {
		d.log.Debug("receiver name unavailable", zap.Stringer("receiver_id", *msg.ReceiverID), zap.Error(err))
	}

	delivered := d.registry.Send(*msg.ReceiverID, DeliveryEvent(msg, sender.Username, receiverName))
	d.log.Debug("direct message dispatched",
		zap.Stringer("message_id", msg.ID),
		zap.Stringer("receiver_id", *msg.ReceiverID),
		zap.Bool("delivered", delivered))
	return msg, nil
}

func (d *Dispatcher) checkContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperror.ErrValidation.WithMessage("message content must not be empty")
	}
	if err := d.validate.Var(content, fmt.Sprintf("max=%d", d.maxContent)); err != nil {
		return apperror.ErrValidation.
			WithMessage(fmt.Sprintf("message content exceeds %d characters", d.maxContent)).
			WithError(err)
	}
	return nil
}
