package chat

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// SlackAdapter implements ChatAdapter over Slack's Socket Mode, so the fleet
// core never needs a public HTTP ingress for Slack events (unlike the
// Events API's HTTP-callback mode). One SlackAdapter is the single shared
// connection for every agent bound to the "slack" platform.
type SlackAdapter struct {
	client *slack.Client
	socket *socketmode.Client
	log    *logger.Logger

	mu       sync.RWMutex
	botUser  string
	cancelFn context.CancelFunc
}

// NewSlackAdapter builds an adapter from a bot token (xoxb-...) and an
// app-level token (xapp-..., required for Socket Mode).
func NewSlackAdapter(botToken, appToken string, log *logger.Logger) *SlackAdapter {
	client := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	socket := socketmode.New(client)
	return &SlackAdapter{
		client: client,
		socket: socket,
		log:    log.WithFields(zap.String("component", "slack_adapter")),
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect starts the Socket Mode run loop in a background goroutine and
// returns channels fed by translating Slack events into the
// platform-agnostic InboundEvent/ControlEvent shapes.
func (a *SlackAdapter) Connect(ctx context.Context) (<-chan InboundEvent, <-chan ControlEvent, error) {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("slack: auth test failed: %w", err)
	}
	a.mu.Lock()
	a.botUser = auth.UserID
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancelFn = cancel

	inbound := make(chan InboundEvent, 64)
	control := make(chan ControlEvent, 8)

	go a.runLoop(runCtx, inbound, control)
	go func() {
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			control <- ControlEvent{Kind: ControlError, Err: err}
		}
	}()

	return inbound, control, nil
}

func (a *SlackAdapter) runLoop(ctx context.Context, inbound chan<- InboundEvent, control chan<- ControlEvent) {
	defer close(inbound)
	defer close(control)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				control <- ControlEvent{Kind: ControlDisconnect}
				return
			}
			a.handleSocketEvent(evt, inbound, control)
		}
	}
}

func (a *SlackAdapter) handleSocketEvent(evt socketmode.Event, inbound chan<- InboundEvent, control chan<- ControlEvent) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		control <- ControlEvent{Kind: ControlReady}
	case socketmode.EventTypeConnectionError, socketmode.EventTypeDisconnect:
		control <- ControlEvent{Kind: ControlError}
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.translateEventsAPI(apiEvent, inbound)
	}
}

func (a *SlackAdapter) translateEventsAPI(apiEvent slackevents.EventsAPIEvent, inbound chan<- InboundEvent) {
	inner := apiEvent.InnerEvent
	msg, ok := inner.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore the bot's own messages and any other bot-authored message, so
	// the fleet never triggers itself off its own replies.
	if msg.BotID != "" || msg.SubType == "bot_message" {
		return
	}

	a.mu.RLock()
	botUser := a.botUser
	a.mu.RUnlock()

	isThreadReply := msg.ThreadTimeStamp != "" && msg.ThreadTimeStamp != msg.TimeStamp
	mentions := botUser != "" && strings.Contains(msg.Text, "<@"+botUser+">")

	inbound <- InboundEvent{
		Platform:      "slack",
		Channel:       msg.Channel,
		Thread:        msg.ThreadTimeStamp,
		MessageID:     msg.TimeStamp,
		User:          msg.User,
		Text:          stripBotMention(msg.Text, botUser),
		IsThreadReply: isThreadReply,
		MentionsBot:   mentions,
	}
}

func stripBotMention(text, botUser string) string {
	if botUser == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUser+">", ""))
}

func (a *SlackAdapter) Post(ctx context.Context, channel, threadParent, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadParent != "" {
		opts = append(opts, slack.MsgOptionTS(threadParent))
	}
	_, ts, err := a.client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack: post message to %s: %w", channel, err)
	}
	return ts, nil
}

func (a *SlackAdapter) React(ctx context.Context, channel, messageID, emoji string) error {
	return a.client.AddReactionContext(ctx, emoji, slack.NewRefToMessage(channel, messageID))
}

func (a *SlackAdapter) RemoveReaction(ctx context.Context, channel, messageID, emoji string) error {
	return a.client.RemoveReactionContext(ctx, emoji, slack.NewRefToMessage(channel, messageID))
}

// SetTyping is a no-op: Slack's typing indicator is an RTM-only affordance
// not exposed over Socket Mode, so the processing indicator for Slack is
// always the reaction-emoji fallback applied by the chat manager via React.
func (a *SlackAdapter) SetTyping(ctx context.Context, channel string) error {
	return nil
}

// UploadFile uploads data to channel via Slack's file-sharing API, threaded
// under threadParent if non-empty, and returns the uploaded file's permalink.
func (a *SlackAdapter) UploadFile(ctx context.Context, channel, threadParent, filename string, data []byte) (string, error) {
	params := slack.UploadFileV2Parameters{
		Filename: filename,
		FileSize: len(data),
		Reader:   bytes.NewReader(data),
		Channel:  channel,
	}
	if threadParent != "" {
		params.ThreadTimestamp = threadParent
	}
	summary, err := a.client.UploadFileV2Context(ctx, params)
	if err != nil {
		return "", fmt.Errorf("slack: upload file to %s: %w", channel, err)
	}
	return summary.Permalink, nil
}

func (a *SlackAdapter) Close() error {
	if a.cancelFn != nil {
		a.cancelFn()
	}
	return nil
}
