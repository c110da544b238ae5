// Package slack implements the Channel interface over the Slack Web API
// with Socket Mode for the return path. Prompts render as Block Kit
// messages with buttons; presses arrive as interactive events.
package slack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// Config is the slack channel section.
type Config struct {
	BotToken     string   `mapstructure:"bot_token"`
	AppToken     string   `mapstructure:"app_token"`
	ChannelID    string   `mapstructure:"channel_id"`
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// Channel is the Slack backend.
type Channel struct {
	api       *slack.Client
	socket    *socketmode.Client
	channelID string
	allowed   map[string]bool
	log       *logger.Logger
}

// New builds the client pair and verifies the bot token.
func New(cfg Config, log *logger.Logger) (*Channel, error) {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	if _, err := api.AuthTest(); err != nil {
		return nil, fmt.Errorf("slack auth failed: %w", err)
	}
	allowed := make(map[string]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	return &Channel{
		api:       api,
		socket:    socketmode.New(api),
		channelID: cfg.ChannelID,
		allowed:   allowed,
		log:       log,
	}, nil
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return "slack" }

// IsAllowed accepts identities of the form "slack:<user_id>".
func (c *Channel) IsAllowed(identity string) bool {
	userID, ok := strings.CutPrefix(identity, "slack:")
	if !ok {
		return false
	}
	return c.allowed[userID]
}

// SendPrompt posts the prompt with its button row and returns the message
// timestamp, Slack's edit handle.
func (c *Channel) SendPrompt(ctx context.Context, ev *detect.PromptEvent) (string, error) {
	blocks := promptBlocks(ev)
	_, ts, err := c.api.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText("The agent is waiting for input.", false))
	if err != nil {
		return "", fmt.Errorf("slack prompt send failed: %w", err)
	}
	return ts, nil
}

// Notify posts a plain informational message.
func (c *Channel) Notify(ctx context.Context, text, sessionID string) error {
	if sessionID != "" {
		text = fmt.Sprintf("[%s] %s", shortID(sessionID), text)
	}
	_, _, err := c.api.PostMessageContext(ctx, c.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack notify failed: %w", err)
	}
	return nil
}

// SendOutput forwards agent output as a code block.
func (c *Channel) SendOutput(ctx context.Context, text, sessionID string) error {
	body := fmt.Sprintf("```%s```", text)
	if sessionID != "" {
		body = fmt.Sprintf("[%s]\n%s", shortID(sessionID), body)
	}
	_, _, err := c.api.PostMessageContext(ctx, c.channelID, slack.MsgOptionText(body, false))
	if err != nil {
		return fmt.Errorf("slack output send failed: %w", err)
	}
	return nil
}

// EditPromptMessage updates the message at the given timestamp and removes
// its buttons.
func (c *Channel) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, c.channelID, messageID,
		slack.MsgOptionText(newText, false),
		slack.MsgOptionBlocks())
	if err != nil {
		return fmt.Errorf("slack message edit failed: %w", err)
	}
	return nil
}

// ReceiveReplies runs the Socket Mode event loop until ctx is done. Button
// presses carry "prompt_id|value" in their action value; thread messages
// arrive as free replies.
func (c *Channel) ReceiveReplies(ctx context.Context, out chan<- channels.Reply) error {
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("slack socket mode exited")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-c.socket.Events:
			if !ok {
				return fmt.Errorf("slack event stream closed")
			}
			reply, valid := c.replyFromEvent(evt)
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

func (c *Channel) replyFromEvent(evt socketmode.Event) (channels.Reply, bool) {
	switch evt.Type {
	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return channels.Reply{}, false
		}
		c.socket.Ack(*evt.Request)
		if len(callback.ActionCallback.BlockActions) == 0 {
			return channels.Reply{}, false
		}
		action := callback.ActionCallback.BlockActions[0]
		promptID, value, ok := strings.Cut(action.Value, "|")
		if !ok {
			return channels.Reply{}, false
		}
		return channels.Reply{
			PromptID: promptID,
			Value:    value,
			Nonce:    callback.ActionID + ":" + callback.TriggerID,
			Identity: "slack:" + callback.User.ID,
			ThreadID: callback.Channel.ID,
			Channel:  "slack",
			At:       time.Now().UTC(),
		}, true
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return channels.Reply{}, false
		}
		c.socket.Ack(*evt.Request)
		msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok || msg.BotID != "" || msg.Text == "" {
			return channels.Reply{}, false
		}
		return channels.Reply{
			Value:    msg.Text,
			Nonce:    "slack-msg-" + msg.TimeStamp,
			Identity: "slack:" + msg.User,
			ThreadID: msg.Channel,
			Channel:  "slack",
			At:       time.Now().UTC(),
		}, true
	}
	return channels.Reply{}, false
}

func promptBlocks(ev *detect.PromptEvent) []slack.Block {
	header := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf(":double_vertical_bar: The agent is waiting for input:\n```%s```", ev.Excerpt),
			false, false),
		nil, nil)

	var buttons []slack.BlockElement
	switch ev.Type {
	case detect.PromptYesNo:
		buttons = []slack.BlockElement{
			button("yes", ev.PromptID+"|y", "Yes"),
			button("no", ev.PromptID+"|n", "No"),
		}
	case detect.PromptConfirmEnter:
		buttons = []slack.BlockElement{button("continue", ev.PromptID+"|", "Continue")}
	case detect.PromptMultipleChoice:
		for _, choice := range ev.Choices {
			buttons = append(buttons, button("choice-"+choice, ev.PromptID+"|"+choice, choice))
		}
	}
	if len(buttons) == 0 {
		return []slack.Block{header}
	}
	return []slack.Block{header, slack.NewActionBlock("prompt-reply", buttons...)}
}

func button(actionID, value, label string) *slack.ButtonBlockElement {
	return slack.NewButtonBlockElement(actionID, value,
		slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
}

func shortID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}
