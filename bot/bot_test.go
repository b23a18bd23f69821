package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/ghzxs/telegram-feedback-bot/challenge"
	"github.com/ghzxs/telegram-feedback-bot/guard"
	"github.com/ghzxs/telegram-feedback-bot/internal/kvstore"
	"github.com/ghzxs/telegram-feedback-bot/internal/telegram"
	"github.com/ghzxs/telegram-feedback-bot/relay"
)

const testOperatorID int64 = 9000

type sentMessage struct {
	chatID int64
	text   string
	opts   *telegram.SendOptions
}

type relayCall struct {
	chatID     int64
	fromChatID int64
	messageID  int64
}

type editCall struct {
	chatID    int64
	messageID int64
	text      string
	markup    *telegram.InlineKeyboardMarkup
}

type answerCall struct {
	id    string
	text  string
	alert bool
}

// fakeMessenger records every platform call and hands out sequential ids.
type fakeMessenger struct {
	sent     []sentMessage
	forwards []relayCall
	copies   []relayCall
	edits    []editCall
	answers  []answerCall

	forwardErr error
	nextID     int64
}

func (f *fakeMessenger) next() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string, opts *telegram.SendOptions) (*telegram.Message, error) {
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, opts: opts})
	return &telegram.Message{MessageID: f.next()}, nil
}

func (f *fakeMessenger) ForwardMessage(_ context.Context, chatID, fromChatID, messageID int64) (*telegram.Message, error) {
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	f.forwards = append(f.forwards, relayCall{chatID, fromChatID, messageID})
	return &telegram.Message{MessageID: f.next()}, nil
}

func (f *fakeMessenger) CopyMessage(_ context.Context, chatID, fromChatID, messageID int64) (*telegram.MessageRef, error) {
	f.copies = append(f.copies, relayCall{chatID, fromChatID, messageID})
	return &telegram.MessageRef{MessageID: f.next()}, nil
}

func (f *fakeMessenger) EditMessageText(_ context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) error {
	f.edits = append(f.edits, editCall{chatID, messageID, text, markup})
	return nil
}

func (f *fakeMessenger) AnswerCallbackQuery(_ context.Context, id, text string, alert bool) error {
	f.answers = append(f.answers, answerCall{id, text, alert})
	return nil
}

func (f *fakeMessenger) lastSent(t *testing.T) sentMessage {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("no message was sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeMessenger) lastAnswer(t *testing.T) answerCall {
	t.Helper()
	if len(f.answers) == 0 {
		t.Fatal("no callback was answered")
	}
	return f.answers[len(f.answers)-1]
}

type fixture struct {
	bot   *Bot
	msgr  *fakeMessenger
	store *kvstore.MemStore
	gate  *guard.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kvstore.NewMemStore()
	msgr := &fakeMessenger{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := guard.DefaultPolicy()
	gate := guard.NewGate(store)
	engine := challenge.NewEngine(store, gate, policy)
	engine.SetRand(rand.New(rand.NewPCG(1, 0)))
	spam := guard.NewSpamFilter(policy.SpamKeywords)
	router := relay.NewRouter(msgr, store, logger, policy.RouteTagTTL)
	b := New(testOperatorID, msgr, gate, engine, spam, router, policy, logger)
	return &fixture{bot: b, msgr: msgr, store: store, gate: gate}
}

func userMessage(userID int64, text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 100,
			Chat:      &telegram.Chat{ID: userID, Type: "private"},
			From:      &telegram.User{ID: userID, Username: "alice"},
			Text:      text,
		},
	}
}

var questionRe = regexp.MustCompile(`(\d+) \+ (\d+) = \?`)

// solveFrom extracts the current question from a captcha message and returns
// the correct answer.
func solveFrom(t *testing.T, text string) string {
	t.Helper()
	m := questionRe.FindStringSubmatch(text)
	if m == nil {
		t.Fatalf("no question in %q", text)
	}
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	return strconv.Itoa(a + b)
}

// press simulates pushing the inline button carrying value.
func press(userID int64, value string) *telegram.Update {
	return &telegram.Update{
		CallbackQuery: &telegram.CallbackQuery{
			ID:   "cb-" + value,
			From: &telegram.User{ID: userID, Username: "alice"},
			Message: &telegram.Message{
				MessageID: 200,
				Chat:      &telegram.Chat{ID: userID, Type: "private"},
			},
			Data: callbackPayload(value, userID),
		},
	}
}

func TestStartIssuesCaptcha(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.bot.HandleUpdate(ctx, userMessage(42, "/start")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	sent := fx.msgr.lastSent(t)
	if sent.chatID != 42 {
		t.Fatalf("captcha sent to %d, want 42", sent.chatID)
	}
	if !questionRe.MatchString(sent.text) {
		t.Fatalf("captcha message %q has no question", sent.text)
	}
	if sent.opts == nil || sent.opts.ReplyMarkup == nil {
		t.Fatal("captcha message should carry a keyboard")
	}
	rows := sent.opts.ReplyMarkup.InlineKeyboard
	if len(rows) != 1 || len(rows[0]) != 3 {
		t.Fatalf("keyboard shape = %v, want 1 row of 3", rows)
	}
	answer := solveFrom(t, sent.text)
	correct := 0
	for _, btn := range rows[0] {
		if btn.Text == answer {
			correct++
		}
		if btn.CallbackData != callbackPayload(btn.Text, 42) {
			t.Fatalf("callback data %q not pinned to the user", btn.CallbackData)
		}
	}
	if correct != 1 {
		t.Fatalf("%d buttons carry the answer, want exactly 1", correct)
	}
}

func TestFullVerificationFlow(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	const userID int64 = 42

	// Unverified message is rejected with a verification prompt.
	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "你好")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := fx.msgr.lastSent(t).text; got != msgNeedVerify {
		t.Fatalf("unverified message got %q, want verification prompt", got)
	}

	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "/start")); err != nil {
		t.Fatalf("/start: %v", err)
	}
	question := fx.msgr.lastSent(t).text

	// Two wrong answers: each swaps in a fresh question via message edit.
	for i := 0; i < 2; i++ {
		answer := solveFrom(t, question)
		wrong := strconv.Itoa(mustAtoi(t, answer) + 1)
		if err := fx.bot.HandleUpdate(ctx, press(userID, wrong)); err != nil {
			t.Fatalf("wrong press #%d: %v", i+1, err)
		}
		if got := fx.msgr.lastAnswer(t).text; got != toastWrong {
			t.Fatalf("wrong press answered %q", got)
		}
		if len(fx.msgr.edits) == 0 {
			t.Fatal("wrong press should edit the captcha message")
		}
		edit := fx.msgr.edits[len(fx.msgr.edits)-1]
		if edit.markup == nil {
			t.Fatal("retry edit should carry a fresh keyboard")
		}
		question = edit.text
	}

	// Correct answer verifies and removes the keyboard.
	if err := fx.bot.HandleUpdate(ctx, press(userID, solveFrom(t, question))); err != nil {
		t.Fatalf("correct press: %v", err)
	}
	if got := fx.msgr.lastAnswer(t).text; got != toastVerified {
		t.Fatalf("correct press answered %q", got)
	}
	edit := fx.msgr.edits[len(fx.msgr.edits)-1]
	if edit.text != msgVerified || edit.markup != nil {
		t.Fatalf("final edit = %+v, want verification text with no keyboard", edit)
	}
	if verified, _ := fx.gate.IsVerified(ctx, userID); !verified {
		t.Fatal("user should be verified")
	}

	// Now a plain message is relayed to the operator.
	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "订单没収到")); err != nil {
		t.Fatalf("relay message: %v", err)
	}
	if len(fx.msgr.forwards) != 1 {
		t.Fatalf("forwards = %d, want 1", len(fx.msgr.forwards))
	}
	fwd := fx.msgr.forwards[0]
	if fwd.chatID != testOperatorID || fwd.fromChatID != userID {
		t.Fatalf("forward = %+v", fwd)
	}

	// The operator's non-reply answer routes back to the user.
	opUpdate := &telegram.Update{
		Message: &telegram.Message{
			MessageID: 500,
			Chat:      &telegram.Chat{ID: testOperatorID, Type: "private"},
			From:      &telegram.User{ID: testOperatorID, Username: "op"},
			Text:      "已经补发了",
		},
	}
	if err := fx.bot.HandleUpdate(ctx, opUpdate); err != nil {
		t.Fatalf("operator reply: %v", err)
	}
	reply := fx.msgr.forwards[len(fx.msgr.forwards)-1]
	if reply.chatID != userID || reply.fromChatID != testOperatorID || reply.messageID != 500 {
		t.Fatalf("reply forward = %+v", reply)
	}
	confirm := fx.msgr.lastSent(t)
	if confirm.chatID != testOperatorID || !strings.Contains(confirm.text, "42") {
		t.Fatalf("confirmation = %+v", confirm)
	}
}

func TestThreeWrongAnswersBan(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	const userID int64 = 42

	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "/start")); err != nil {
		t.Fatalf("/start: %v", err)
	}
	question := fx.msgr.lastSent(t).text

	for i := 0; i < 3; i++ {
		answer := solveFrom(t, question)
		wrong := strconv.Itoa(mustAtoi(t, answer) + 1)
		if err := fx.bot.HandleUpdate(ctx, press(userID, wrong)); err != nil {
			t.Fatalf("wrong press #%d: %v", i+1, err)
		}
		if i < 2 {
			question = fx.msgr.edits[len(fx.msgr.edits)-1].text
		}
	}

	last := fx.msgr.lastAnswer(t)
	if last.text != toastBanned || !last.alert {
		t.Fatalf("final answer = %+v, want ban alert", last)
	}
	if banned, _ := fx.gate.IsBanned(ctx, userID); !banned {
		t.Fatal("user should be banned")
	}

	// Everything is shut now: /start, messages and further presses.
	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "/start")); err != nil {
		t.Fatalf("/start while banned: %v", err)
	}
	if got := fx.msgr.lastSent(t).text; got != msgBanned {
		t.Fatalf("banned /start got %q", got)
	}
	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "hello")); err != nil {
		t.Fatalf("message while banned: %v", err)
	}
	if got := fx.msgr.lastSent(t).text; got != msgBanned {
		t.Fatalf("banned message got %q", got)
	}
	if err := fx.bot.HandleUpdate(ctx, press(userID, "30")); err != nil {
		t.Fatalf("press while banned: %v", err)
	}
	if got := fx.msgr.lastAnswer(t); got.text != msgBanned || !got.alert {
		t.Fatalf("banned press answered %+v", got)
	}
}

func TestSpamBlockedBeforeRelay(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	const userID int64 = 42

	if err := fx.gate.MarkVerified(ctx, userID); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "加微信了解刷单兼职")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := fx.msgr.lastSent(t).text; got != msgSpamBlocked {
		t.Fatalf("spam got %q", got)
	}
	if len(fx.msgr.forwards) != 0 || len(fx.msgr.copies) != 0 {
		t.Fatal("blocked message must not reach the operator")
	}
	if _, ok, _ := fx.store.Get(ctx, "last_contact"); ok {
		t.Fatal("blocked message must not move the last-contact pointer")
	}
}

func TestInteractionForOtherUserIsRejected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	const userID int64 = 42

	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "/start")); err != nil {
		t.Fatalf("/start: %v", err)
	}
	before, _, _ := fx.store.Get(ctx, guard.CaptchaKey(userID))

	// An intruder presses a button minted for userID.
	cb := &telegram.Update{
		CallbackQuery: &telegram.CallbackQuery{
			ID:   "cb-x",
			From: &telegram.User{ID: 777},
			Data: callbackPayload("30", userID),
		},
	}
	if err := fx.bot.HandleUpdate(ctx, cb); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	got := fx.msgr.lastAnswer(t)
	if got.text != toastNotYours || !got.alert {
		t.Fatalf("mismatch answered %+v", got)
	}

	after, ok, _ := fx.store.Get(ctx, guard.CaptchaKey(userID))
	if !ok || after.Version != before.Version {
		t.Fatal("a foreign press must not touch the captcha record")
	}
}

func TestMalformedCallbackPayloads(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		data      string
		wantToast string
	}{
		{"x:30:42", toastUnknownOp},
		{"c:30", toastInvalid},
		{"c::42", toastInvalid},
		{"c:30:notanumber", toastInvalid},
	}
	for _, tc := range cases {
		cb := &telegram.Update{
			CallbackQuery: &telegram.CallbackQuery{
				ID:   "cb",
				From: &telegram.User{ID: 42},
				Data: tc.data,
			},
		}
		if err := fx.bot.HandleUpdate(ctx, cb); err != nil {
			t.Fatalf("HandleUpdate(%q): %v", tc.data, err)
		}
		if got := fx.msgr.lastAnswer(t).text; got != tc.wantToast {
			t.Fatalf("payload %q answered %q, want %q", tc.data, got, tc.wantToast)
		}
	}
}

func TestLatePressAfterVerification(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	const userID int64 = 42

	if err := fx.gate.MarkVerified(ctx, userID); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if err := fx.bot.HandleUpdate(ctx, press(userID, "30")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := fx.msgr.lastAnswer(t).text; got != toastAlreadyDone {
		t.Fatalf("late press answered %q", got)
	}
}

func TestPressWithoutPendingCaptcha(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	const userID int64 = 42

	if err := fx.bot.HandleUpdate(ctx, press(userID, "30")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	got := fx.msgr.lastAnswer(t)
	if got.text != toastExpired || !got.alert {
		t.Fatalf("expired press answered %+v", got)
	}
	// A restart prompt follows.
	if got := fx.msgr.lastSent(t).text; got != msgRestart {
		t.Fatalf("after expiry got %q, want restart prompt", got)
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.bot.HandleUpdate(ctx, userMessage(42, "/status")); err != nil {
		t.Fatalf("user /status: %v", err)
	}
	if got := fx.msgr.lastSent(t).text; got != msgStatusOK {
		t.Fatalf("user /status got %q", got)
	}

	op := userMessage(testOperatorID, "/status")
	op.Message.From.ID = testOperatorID
	op.Message.Chat.ID = testOperatorID
	if err := fx.bot.HandleUpdate(ctx, op); err != nil {
		t.Fatalf("operator /status: %v", err)
	}
	if got := fx.msgr.lastSent(t).text; !strings.Contains(got, "暂无最近联系用户") {
		t.Fatalf("operator /status with no contact got %q", got)
	}

	// After a relay the status names the sender.
	if err := fx.gate.MarkVerified(ctx, 42); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if err := fx.bot.HandleUpdate(ctx, userMessage(42, "你好")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if err := fx.bot.HandleUpdate(ctx, op); err != nil {
		t.Fatalf("operator /status: %v", err)
	}
	got := fx.msgr.lastSent(t).text
	if !strings.Contains(got, "ID: 42") || !strings.Contains(got, "@alice") {
		t.Fatalf("operator /status got %q", got)
	}
}

func TestOperatorReplyWithoutContact(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	op := userMessage(testOperatorID, "anyone there?")
	op.Message.From.ID = testOperatorID
	op.Message.Chat.ID = testOperatorID
	if err := fx.bot.HandleUpdate(context.Background(), op); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := fx.msgr.lastSent(t).text; got != msgNoContact {
		t.Fatalf("got %q, want no-contact notice", got)
	}
}

func TestCopyFallbackAddsAttribution(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	const userID int64 = 42

	fx.msgr.forwardErr = errors.New("forbidden: user restricts forwarding")
	if err := fx.gate.MarkVerified(ctx, userID); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if err := fx.bot.HandleUpdate(ctx, userMessage(userID, "需要帮忙")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if len(fx.msgr.copies) != 1 {
		t.Fatalf("copies = %d, want 1", len(fx.msgr.copies))
	}
	note := fx.msgr.lastSent(t)
	if note.chatID != testOperatorID || !strings.Contains(note.text, "来自用户") {
		t.Fatalf("attribution note = %+v", note)
	}
}

func TestCommandWord(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"/start", "/start"},
		{"/start@feedbackbot", "/start"},
		{"/status now", "/status"},
		{"  /start  ", "/start"},
		{"hello", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := commandWord(tc.in); got != tc.want {
			t.Fatalf("commandWord(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("atoi %q: %v", s, err)
	}
	return n
}
