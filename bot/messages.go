package bot

import (
	"fmt"
	"time"

	"github.com/ghzxs/telegram-feedback-bot/relay"
)

// User-facing copy. Always short status language, never internal
// identifiers or storage details.
const (
	msgBanned        = "❌ 您已被限制使用，请稍后再试。"
	msgNeedVerify    = "⚠️ 请先发送 /start 完成验证。"
	msgSpamBlocked   = "⚠️ 检测到疑似广告内容，消息未发送。"
	msgNoContact     = "❌ 没有最近联系的用户。"
	msgWelcomeBack   = "👋 <b>欢迎回来！</b>\n\n您可以直接发送消息给客服。"
	msgVerified      = "✅ 验证成功！你已通过验证，直接发消息吧～"
	msgExpired       = "❌ 验证已过期，请重新开始。"
	msgRestart       = "请发送 /start 重新验证。"
	msgStatusOK      = "🟢 <b>All Systems Operational</b>"
	captchaIntro     = "🔐 <b>首次使用需要过个小验证（防广告机器人）</b>"
	toastVerified    = "✅ 验证成功！"
	toastBanned      = "❌ 已被封禁"
	toastWrong       = "❌ 答案错误，请重试"
	toastExpired     = "❌ 已过期"
	toastInvalid     = "❌ 无效的选择"
	toastNotYours    = "❌ 这不是你的验证"
	toastStale       = "⚠️ 操作太快，请重试"
	toastUnknownOp   = "未知操作"
	toastAlreadyDone = "✅ 你已通过验证"
)

func captchaMessage(question string) string {
	return captchaIntro + "\n\n" + question
}

func retryMessage(question string, remaining int) string {
	return fmt.Sprintf("❌ 答案错误，请重试。\n\n%s\n\n剩余尝试次数：%d", question, remaining)
}

func lockoutMessage(banDays int) string {
	return fmt.Sprintf("❌ 验证失败次数过多，您已被限制 %d 天。", banDays)
}

func relayConfirmation(target int64, username string) string {
	return fmt.Sprintf("✅ 消息已发送给用户 %d (@%s)", target, username)
}

func operatorStatusMessage(contact relay.LastContact, ok bool) string {
	text := "📊 <b>机器人状态</b>\n\n"
	if !ok {
		return text + "暂无最近联系用户"
	}
	ts := time.UnixMilli(contact.Timestamp)
	text += "最近联系用户：\n"
	text += fmt.Sprintf("- ID: %s\n", contact.UserID)
	text += fmt.Sprintf("- 用户名: @%s\n", contact.Username)
	text += fmt.Sprintf("- 时间: %s", ts.Format("2006-01-02 15:04:05"))
	return text
}
