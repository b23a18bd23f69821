// Package relay moves messages between users and the operator, preferring a
// direct forward and falling back to copy-plus-attribution when the platform
// refuses to forward.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ghzxs/telegram-feedback-bot/internal/kvstore"
	"github.com/ghzxs/telegram-feedback-bot/internal/telegram"
)

// ErrNoRecentContact means the operator sent a reply with no user to route
// it to.
var ErrNoRecentContact = errors.New("relay: no recent contact")

const lastContactKey = "last_contact"

func routeKey(operatorMessageID int64) string {
	return "route:" + strconv.FormatInt(operatorMessageID, 10)
}

// LastContact is the single-slot pointer to the most recent sender. Field
// names are the stored contract; Timestamp is epoch milliseconds.
type LastContact struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// routeTag links an operator-side copy of a relayed message back to its
// sender, so the operator can reply to an older message and still reach the
// right user even after last_contact moved on.
type routeTag struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Messenger is the slice of the platform client the router needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (*telegram.Message, error)
	ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*telegram.Message, error)
	CopyMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*telegram.MessageRef, error)
}

type Router struct {
	msgr        Messenger
	store       kvstore.Store
	log         *slog.Logger
	routeTagTTL time.Duration
	now         func() time.Time
}

func NewRouter(msgr Messenger, store kvstore.Store, logger *slog.Logger, routeTagTTL time.Duration) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		msgr:        msgr,
		store:       store,
		log:         logger,
		routeTagTTL: routeTagTTL,
		now:         time.Now,
	}
}

// SetClock overrides the router's clock. Intended for tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// deliver forwards messageID from source to destination, copying it instead
// when the forward is rejected. Returns the destination-side message id, or
// zero when the platform did not report one.
func (r *Router) deliver(ctx context.Context, dest, source, messageID int64) (int64, bool, error) {
	fwd, err := r.msgr.ForwardMessage(ctx, dest, source, messageID)
	if err == nil {
		if fwd != nil {
			return fwd.MessageID, false, nil
		}
		return 0, false, nil
	}
	r.log.Info("relay_forward_rejected", "source", source, "dest", dest, "message_id", messageID, "error", err.Error())
	ref, copyErr := r.msgr.CopyMessage(ctx, dest, source, messageID)
	if copyErr != nil {
		return 0, true, fmt.Errorf("relay: copy fallback: %w", copyErr)
	}
	if ref != nil {
		return ref.MessageID, true, nil
	}
	return 0, true, nil
}

// UserToOperator relays an inbound user message to the operator. A copied
// message loses the sender attribution a forward carries, so the copy is
// followed by a plain annotation naming the sender. After the relay the
// last-contact slot is overwritten and a route tag is recorded for
// reply-based routing.
func (r *Router) UserToOperator(ctx context.Context, operatorID, userID int64, username string, messageID int64) error {
	operatorMsgID, copied, err := r.deliver(ctx, operatorID, userID, messageID)
	if err != nil {
		return err
	}
	if copied {
		note := fmt.Sprintf("👤 来自用户：%d\n用户名：@%s", userID, username)
		if _, noteErr := r.msgr.SendMessage(ctx, operatorID, note, nil); noteErr != nil {
			r.log.Warn("relay_attribution_send_error", "user_id", userID, "error", noteErr.Error())
		}
	}

	if operatorMsgID > 0 {
		tag, err := json.Marshal(routeTag{UserID: userID, Username: username})
		if err == nil {
			err = r.store.Put(ctx, routeKey(operatorMsgID), tag, kvstore.PutOptions{TTL: r.routeTagTTL})
		}
		if err != nil {
			// Routing degrades to the last-contact pointer; the message
			// itself was delivered.
			r.log.Warn("relay_route_tag_error", "operator_message_id", operatorMsgID, "error", err.Error())
		}
	}

	contact := LastContact{
		UserID:    strconv.FormatInt(userID, 10),
		Username:  username,
		Timestamp: r.now().UnixMilli(),
	}
	value, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("relay: encode last contact: %w", err)
	}
	if err := r.store.Put(ctx, lastContactKey, value, kvstore.PutOptions{}); err != nil {
		return fmt.Errorf("relay: write last contact: %w", err)
	}
	return nil
}

// OperatorToUser relays an operator message back to a user. The target is
// resolved through the route tag when the operator replied to a relayed
// message, otherwise through the last-contact pointer.
func (r *Router) OperatorToUser(ctx context.Context, operatorChatID, messageID, replyToMessageID int64) (int64, string, error) {
	target, username, err := r.resolveTarget(ctx, replyToMessageID)
	if err != nil {
		return 0, "", err
	}
	if _, _, err := r.deliver(ctx, target, operatorChatID, messageID); err != nil {
		return 0, "", err
	}
	return target, username, nil
}

func (r *Router) resolveTarget(ctx context.Context, replyToMessageID int64) (int64, string, error) {
	if replyToMessageID > 0 {
		entry, ok, err := r.store.Get(ctx, routeKey(replyToMessageID))
		if err != nil {
			return 0, "", fmt.Errorf("relay: read route tag: %w", err)
		}
		if ok {
			var tag routeTag
			if err := json.Unmarshal(entry.Value, &tag); err != nil {
				return 0, "", fmt.Errorf("relay: decode route tag: %w", err)
			}
			return tag.UserID, tag.Username, nil
		}
	}

	contact, ok, err := r.Last(ctx)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", ErrNoRecentContact
	}
	target, err := strconv.ParseInt(contact.UserID, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("relay: bad last contact user id %q", contact.UserID)
	}
	return target, contact.Username, nil
}

// Last reads the last-contact pointer.
func (r *Router) Last(ctx context.Context) (LastContact, bool, error) {
	entry, ok, err := r.store.Get(ctx, lastContactKey)
	if err != nil {
		return LastContact{}, false, fmt.Errorf("relay: read last contact: %w", err)
	}
	if !ok {
		return LastContact{}, false, nil
	}
	var contact LastContact
	if err := json.Unmarshal(entry.Value, &contact); err != nil {
		return LastContact{}, false, fmt.Errorf("relay: decode last contact: %w", err)
	}
	return contact, true, nil
}
