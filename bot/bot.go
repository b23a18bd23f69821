// Package bot is the update dispatcher: it classifies each inbound Telegram
// update and drives the ban gate, the captcha engine, the spam screen and
// the relay router in order.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ghzxs/telegram-feedback-bot/challenge"
	"github.com/ghzxs/telegram-feedback-bot/guard"
	"github.com/ghzxs/telegram-feedback-bot/internal/telegram"
	"github.com/ghzxs/telegram-feedback-bot/relay"
)

// Messenger is the platform client surface the dispatcher needs on top of
// what the relay router already consumes.
type Messenger interface {
	relay.Messenger
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string, showAlert bool) error
}

type Bot struct {
	operatorID int64
	msgr       Messenger
	gate       *guard.Gate
	engine     *challenge.Engine
	spam       *guard.SpamFilter
	router     *relay.Router
	policy     guard.Policy
	log        *slog.Logger
}

func New(operatorID int64, msgr Messenger, gate *guard.Gate, engine *challenge.Engine, spam *guard.SpamFilter, router *relay.Router, policy guard.Policy, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		operatorID: operatorID,
		msgr:       msgr,
		gate:       gate,
		engine:     engine,
		spam:       spam,
		router:     router,
		policy:     policy,
		log:        logger,
	}
}

// callbackPayload is the inline-button payload: c:<value>:<targetUserId>.
// The embedded user id pins the button to the user the captcha was issued
// to.
func callbackPayload(value string, userID int64) string {
	return "c:" + value + ":" + strconv.FormatInt(userID, 10)
}

func parseCallbackPayload(data string) (value string, userID int64, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != "c" || parts[1] == "" {
		return "", 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], id, true
}

func captchaKeyboard(ch *challenge.Challenge, userID int64) *telegram.InlineKeyboardMarkup {
	row := make([]telegram.InlineKeyboardButton, 0, len(ch.Options))
	for _, option := range ch.Options {
		row = append(row, telegram.InlineKeyboardButton{
			Text:         option,
			CallbackData: callbackPayload(option, userID),
		})
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{row}}
}

// HandleUpdate classifies one update and dispatches it. Errors are upstream
// or store failures for this single update; delivery refusals are handled
// internally.
func (b *Bot) HandleUpdate(ctx context.Context, update *telegram.Update) error {
	if update == nil {
		return nil
	}
	if update.CallbackQuery != nil {
		return b.HandleInteraction(ctx, update.CallbackQuery)
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		b.log.Debug("update_ignored", "update_id", update.UpdateID)
		return nil
	}

	userID := msg.From.ID
	isOperator := userID == b.operatorID

	if cmd := commandWord(msg.Text); cmd != "" {
		switch cmd {
		case "/start":
			return b.HandleStart(ctx, userID)
		case "/status":
			return b.handleStatus(ctx, userID, isOperator)
		}
	}

	if isOperator {
		return b.handleOperatorMessage(ctx, msg)
	}
	return b.HandleMessage(ctx, msg)
}

func commandWord(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	if i := strings.IndexAny(text, " \t\n"); i > 0 {
		text = text[:i]
	}
	// Strip the bot-mention suffix of /cmd@botname.
	if i := strings.IndexByte(text, '@'); i > 0 {
		text = text[:i]
	}
	return text
}

// HandleStart greets verified users and issues a captcha to everyone else,
// unless banned.
func (b *Bot) HandleStart(ctx context.Context, userID int64) error {
	state, err := b.gate.State(ctx, userID)
	if err != nil {
		return err
	}
	switch state {
	case guard.StateBanned:
		_, err := b.msgr.SendMessage(ctx, userID, msgBanned, nil)
		return err
	case guard.StateVerified:
		_, err := b.msgr.SendMessage(ctx, userID, msgWelcomeBack, nil)
		return err
	}

	ch, err := b.engine.Issue(ctx, userID)
	if err != nil {
		return err
	}
	b.log.Info("captcha_issued", "user_id", userID, "captcha_id", ch.CaptchaID)
	_, err = b.msgr.SendMessage(ctx, userID, captchaMessage(ch.Question), &telegram.SendOptions{
		ReplyMarkup: captchaKeyboard(ch, userID),
	})
	return err
}

// HandleMessage runs a plain user message through the access pipeline and
// relays it to the operator.
func (b *Bot) HandleMessage(ctx context.Context, msg *telegram.Message) error {
	userID := msg.From.ID
	state, err := b.gate.State(ctx, userID)
	if err != nil {
		return err
	}
	switch state {
	case guard.StateBanned:
		_, err := b.msgr.SendMessage(ctx, userID, msgBanned, nil)
		return err
	case guard.StateVerified:
	default:
		_, err := b.msgr.SendMessage(ctx, userID, msgNeedVerify, nil)
		return err
	}

	if b.spam.IsSpam(msg.TextOrCaption()) {
		b.log.Info("message_blocked_spam", "user_id", userID)
		_, err := b.msgr.SendMessage(ctx, userID, msgSpamBlocked, nil)
		return err
	}

	username := telegram.DisplayName(msg.From)
	if err := b.router.UserToOperator(ctx, b.operatorID, userID, username, msg.MessageID); err != nil {
		return err
	}
	b.log.Info("message_relayed", "user_id", userID)
	return nil
}

func (b *Bot) handleOperatorMessage(ctx context.Context, msg *telegram.Message) error {
	replyTo := int64(0)
	if msg.ReplyTo != nil {
		replyTo = msg.ReplyTo.MessageID
	}
	target, username, err := b.router.OperatorToUser(ctx, msg.Chat.ID, msg.MessageID, replyTo)
	if errors.Is(err, relay.ErrNoRecentContact) {
		_, sendErr := b.msgr.SendMessage(ctx, msg.Chat.ID, msgNoContact, nil)
		return sendErr
	}
	if err != nil {
		return err
	}
	b.log.Info("reply_relayed", "target_user_id", target)
	_, err = b.msgr.SendMessage(ctx, msg.Chat.ID, relayConfirmation(target, username), nil)
	return err
}

func (b *Bot) handleStatus(ctx context.Context, userID int64, isOperator bool) error {
	if !isOperator {
		_, err := b.msgr.SendMessage(ctx, userID, msgStatusOK, nil)
		return err
	}
	contact, ok, err := b.router.Last(ctx)
	if err != nil {
		return err
	}
	_, err = b.msgr.SendMessage(ctx, userID, operatorStatusMessage(contact, ok), nil)
	return err
}

// HandleInteraction grades a captcha button press. A payload naming a
// different user than the presser is rejected without touching any record.
func (b *Bot) HandleInteraction(ctx context.Context, cb *telegram.CallbackQuery) error {
	if cb == nil || cb.From == nil {
		return nil
	}
	if !strings.HasPrefix(cb.Data, "c:") {
		b.answer(ctx, cb.ID, toastUnknownOp, false)
		return nil
	}
	value, targetID, ok := parseCallbackPayload(cb.Data)
	if !ok {
		b.answer(ctx, cb.ID, toastInvalid, true)
		return nil
	}
	if targetID != cb.From.ID {
		b.log.Info("interaction_user_mismatch", "presser_id", cb.From.ID)
		b.answer(ctx, cb.ID, toastNotYours, true)
		return nil
	}

	userID := cb.From.ID
	banned, err := b.gate.IsBanned(ctx, userID)
	if err != nil {
		return err
	}
	if banned {
		b.answer(ctx, cb.ID, msgBanned, true)
		return nil
	}
	verified, err := b.gate.IsVerified(ctx, userID)
	if err != nil {
		return err
	}
	if verified {
		// The captcha record is already gone; a late correct press is a
		// no-op.
		b.answer(ctx, cb.ID, toastAlreadyDone, false)
		return nil
	}

	res, err := b.engine.Submit(ctx, userID, value)
	if err != nil {
		return err
	}

	chatID := userID
	messageID := int64(0)
	if cb.Message != nil {
		messageID = cb.Message.MessageID
		if cb.Message.Chat != nil {
			chatID = cb.Message.Chat.ID
		}
	}

	switch res.Outcome {
	case challenge.OutcomeVerified:
		b.log.Info("captcha_solved", "user_id", userID)
		b.edit(ctx, chatID, messageID, msgVerified, nil)
		b.answer(ctx, cb.ID, toastVerified, false)
	case challenge.OutcomeBanned:
		b.log.Info("captcha_exhausted", "user_id", userID, "ban_days", b.policy.BanDays)
		b.edit(ctx, chatID, messageID, lockoutMessage(b.policy.BanDays), nil)
		b.answer(ctx, cb.ID, toastBanned, true)
	case challenge.OutcomeRetry:
		b.edit(ctx, chatID, messageID, retryMessage(res.Next.Question, res.Remaining), captchaKeyboard(res.Next, userID))
		b.answer(ctx, cb.ID, toastWrong, false)
	case challenge.OutcomeExpired:
		b.edit(ctx, chatID, messageID, msgExpired, nil)
		b.answer(ctx, cb.ID, toastExpired, true)
		if _, err := b.msgr.SendMessage(ctx, userID, msgRestart, nil); err != nil {
			b.log.Warn("restart_prompt_send_error", "user_id", userID, "error", err.Error())
		}
	case challenge.OutcomeStale:
		b.answer(ctx, cb.ID, toastStale, false)
	default:
		return fmt.Errorf("bot: unexpected submit outcome %d", res.Outcome)
	}
	return nil
}

// edit and answer are cosmetic follow-ups to a state change that already
// happened; their failures are logged, not propagated.
func (b *Bot) edit(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) {
	if messageID == 0 {
		return
	}
	if err := b.msgr.EditMessageText(ctx, chatID, messageID, text, markup); err != nil {
		b.log.Warn("captcha_edit_error", "chat_id", chatID, "message_id", messageID, "error", err.Error())
	}
}

func (b *Bot) answer(ctx context.Context, callbackQueryID, text string, alert bool) {
	if err := b.msgr.AnswerCallbackQuery(ctx, callbackQueryID, text, alert); err != nil {
		b.log.Warn("callback_answer_error", "error", err.Error())
	}
}
