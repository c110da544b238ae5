// Package telegram implements the Channel interface over the Telegram Bot
// API with long polling. Prompts render as messages with inline keyboards;
// button presses and plain texts come back as replies.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// Config is the telegram channel section.
type Config struct {
	BotToken     string  `mapstructure:"bot_token"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
}

// Channel is the Telegram backend.
type Channel struct {
	bot     *tgbotapi.BotAPI
	allowed map[int64]bool
	log     *logger.Logger
}

// New connects the bot and verifies the token with a getMe call.
func New(cfg Config, log *logger.Logger) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	log.Info("telegram channel ready", zap.String("bot", bot.Self.UserName))
	return &Channel{bot: bot, allowed: allowed, log: log}, nil
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return "telegram" }

// IsAllowed accepts identities of the form "telegram:<user_id>".
func (c *Channel) IsAllowed(identity string) bool {
	rest, ok := strings.CutPrefix(identity, "telegram:")
	if !ok {
		return false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return false
	}
	return c.allowed[id]
}

// SendPrompt posts the prompt to every allowlisted user and returns the
// handle of the first delivered message as "chat_id/message_id".
func (c *Channel) SendPrompt(ctx context.Context, ev *detect.PromptEvent) (string, error) {
	text := promptText(ev)
	keyboard := promptKeyboard(ev)

	var handle string
	var lastErr error
	for userID := range c.allowed {
		msg := tgbotapi.NewMessage(userID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if keyboard != nil {
			msg.ReplyMarkup = *keyboard
		}
		sent, err := c.bot.Send(msg)
		if err != nil {
			lastErr = err
			c.log.WithError(err).Warn("telegram prompt send failed",
				zap.Int64("chat_id", userID))
			continue
		}
		if handle == "" {
			handle = fmt.Sprintf("%d/%d", sent.Chat.ID, sent.MessageID)
		}
	}
	if handle == "" {
		if lastErr != nil {
			return "", fmt.Errorf("telegram prompt send failed: %w", lastErr)
		}
		return "", fmt.Errorf("no allowed telegram users configured")
	}
	return handle, nil
}

// Notify sends a plain text message to every allowlisted user.
func (c *Channel) Notify(ctx context.Context, text, sessionID string) error {
	if sessionID != "" {
		text = fmt.Sprintf("[%s] %s", shortID(sessionID), text)
	}
	return c.broadcast(text, "")
}

// SendOutput forwards agent output as a monospace block.
func (c *Channel) SendOutput(ctx context.Context, text, sessionID string) error {
	body := fmt.Sprintf("```\n%s\n```", text)
	if sessionID != "" {
		body = fmt.Sprintf("[%s]\n%s", shortID(sessionID), body)
	}
	return c.broadcast(body, tgbotapi.ModeMarkdown)
}

func (c *Channel) broadcast(text, parseMode string) error {
	var lastErr error
	sent := false
	for userID := range c.allowed {
		msg := tgbotapi.NewMessage(userID, text)
		msg.ParseMode = parseMode
		if _, err := c.bot.Send(msg); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent && lastErr != nil {
		return fmt.Errorf("telegram send failed: %w", lastErr)
	}
	return nil
}

// EditPromptMessage rewrites the message named by "chat_id/message_id" and
// drops its keyboard.
func (c *Channel) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	chatPart, msgPart, ok := strings.Cut(messageID, "/")
	if !ok {
		return fmt.Errorf("malformed telegram message id %q", messageID)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed telegram chat id %q", chatPart)
	}
	msgID, err := strconv.Atoi(msgPart)
	if err != nil {
		return fmt.Errorf("malformed telegram message id %q", msgPart)
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, newText)
	if _, err := c.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram message edit failed: %w", err)
	}
	return nil
}

// ReceiveReplies long-polls for updates until ctx is done. Button presses
// carry "prompt_id|value" in their callback data; plain texts arrive as
// free replies with an empty prompt ID.
func (c *Channel) ReceiveReplies(ctx context.Context, out chan<- channels.Reply) error {
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := c.bot.GetUpdatesChan(updateCfg)
	defer c.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update stream closed")
			}
			reply, valid := c.replyFromUpdate(update)
			if !valid {
				continue
			}
			select {
			case out <- reply:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Channel) replyFromUpdate(update tgbotapi.Update) (channels.Reply, bool) {
	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		// Ack so the client stops its spinner even for rejected presses.
		if _, err := c.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			c.log.WithError(err).Debug("telegram callback ack failed")
		}
		promptID, value, ok := strings.Cut(cb.Data, "|")
		if !ok {
			return channels.Reply{}, false
		}
		threadID := ""
		if cb.Message != nil {
			threadID = strconv.FormatInt(cb.Message.Chat.ID, 10)
		}
		return channels.Reply{
			PromptID: promptID,
			Value:    value,
			Nonce:    cb.ID,
			Identity: fmt.Sprintf("telegram:%d", cb.From.ID),
			ThreadID: threadID,
			Channel:  "telegram",
			At:       time.Now().UTC(),
		}, true
	case update.Message != nil && update.Message.Text != "":
		msg := update.Message
		return channels.Reply{
			Value:    msg.Text,
			Nonce:    fmt.Sprintf("tg-msg-%d-%d", msg.Chat.ID, msg.MessageID),
			Identity: fmt.Sprintf("telegram:%d", msg.From.ID),
			ThreadID: strconv.FormatInt(msg.Chat.ID, 10),
			Channel:  "telegram",
			At:       time.Now().UTC(),
		}, true
	}
	return channels.Reply{}, false
}

func promptText(ev *detect.PromptEvent) string {
	var b strings.Builder
	switch ev.Confidence {
	case detect.ConfidenceLow:
		b.WriteString("🤔 The agent may be waiting for input:\n")
	default:
		b.WriteString("⏸ The agent is waiting for input:\n")
	}
	fmt.Fprintf(&b, "```\n%s\n```", ev.Excerpt)
	if ev.Type == detect.PromptFreeText {
		b.WriteString("\nReply with the text to send.")
	}
	return b.String()
}

func promptKeyboard(ev *detect.PromptEvent) *tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	switch ev.Type {
	case detect.PromptYesNo:
		row = []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("✅ Yes", ev.PromptID+"|y"),
			tgbotapi.NewInlineKeyboardButtonData("❌ No", ev.PromptID+"|n"),
		}
	case detect.PromptConfirmEnter:
		row = []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("⏎ Continue", ev.PromptID+"|"),
		}
	case detect.PromptMultipleChoice:
		for _, choice := range ev.Choices {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(choice, ev.PromptID+"|"+choice))
		}
	default:
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(row)
	return &markup
}

func shortID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}
