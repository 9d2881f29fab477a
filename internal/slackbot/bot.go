// ABOUTME: Slack side of the relay: Socket Mode event intake and Web API posting
// ABOUTME: Converts Slack message events to relay.ChatEvent and relay attachments to Slack ones

package slackbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/stanford-oval/slackmond/internal/relay"
)

// DefaultAPIURL is Slack's Web API base.
const DefaultAPIURL = "https://slack.com/api/"

// Config holds the tokens for one Slack app installation.
type Config struct {
	BotToken string
	AppToken string
	// APIURL overrides the Web API base, mostly for tests.
	APIURL     string
	HTTPClient *http.Client
}

// Identity is who the bot is in its workspace.
type Identity struct {
	UserID string
	TeamID string
}

// Handler receives inbound message events in arrival order.
type Handler func(ctx context.Context, ev relay.ChatEvent)

// Bot talks to one Slack workspace.
type Bot struct {
	api    *slack.Client
	logger *slog.Logger
}

var _ relay.ChatClient = (*Bot)(nil)

// New creates a Bot. No network calls are made until Identify or Run.
func New(cfg Config, logger *slog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("slack bot token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimSpace(cfg.APIURL)
	if base == "" {
		base = DefaultAPIURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	opts := []slack.Option{slack.OptionAPIURL(base)}
	if cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}

	return &Bot{
		api:    slack.New(cfg.BotToken, opts...),
		logger: logger.With("component", "slack"),
	}, nil
}

// Identify asks Slack which user and team the bot token belongs to.
func (b *Bot) Identify(ctx context.Context) (Identity, error) {
	resp, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("slack auth.test: %w", err)
	}
	return Identity{UserID: resp.UserID, TeamID: resp.TeamID}, nil
}

// Run reads Socket Mode events until ctx ends. Every envelope is acknowledged
// before it is handled; message events reach handle one at a time.
func (b *Bot) Run(ctx context.Context, handle Handler) error {
	client := socketmode.New(b.api)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.RunContext(ctx)
	}()

	b.logger.Info("slack socket mode starting")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("slack socket mode stopping")
			return nil

		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("slack socket mode: %w", err)

		case evt, ok := <-client.Events:
			if !ok {
				return nil
			}
			b.handleEvent(ctx, client, evt, handle)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, client *socketmode.Client, evt socketmode.Event, handle Handler) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug("connecting to slack")
	case socketmode.EventTypeConnected:
		b.logger.Info("connected to slack")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("slack connection error", "data", evt.Data)

	case socketmode.EventTypeEventsAPI:
		if evt.Request == nil {
			return
		}
		client.Ack(*evt.Request)

		outer, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || outer.Type != slackevents.CallbackEvent {
			return
		}
		ev, ok, err := DecodeMessageEvent(evt.Request.Payload)
		if err != nil {
			b.logger.Warn("dropping undecodable event", "error", err)
			return
		}
		if !ok {
			return
		}
		b.logger.Debug("received message",
			"channel", ev.Channel,
			"user", ev.User,
			"text", truncate(ev.Text, 50),
		)
		handle(ctx, ev)

	default:
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
	}
}

// envelope is the part of an events_api payload the relay reads. The
// typed slackevents structs drop the hidden flag, so the inner event is
// decoded here.
type envelope struct {
	TeamID string `json:"team_id"`
	Event  struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Hidden  bool   `json:"hidden"`
		User    string `json:"user"`
		BotID   string `json:"bot_id"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
		TS      string `json:"ts"`
	} `json:"event"`
}

// DecodeMessageEvent extracts a message event from an events_api payload.
// It reports false for any other inner event type.
func DecodeMessageEvent(payload json.RawMessage) (relay.ChatEvent, bool, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return relay.ChatEvent{}, false, fmt.Errorf("decoding events_api payload: %w", err)
	}
	if env.Event.Type != string(slackevents.Message) {
		return relay.ChatEvent{}, false, nil
	}
	return relay.ChatEvent{
		Type:    env.Event.Type,
		Subtype: env.Event.Subtype,
		Hidden:  env.Event.Hidden,
		BotID:   env.Event.BotID,
		User:    env.Event.User,
		Channel: env.Event.Channel,
		Text:    env.Event.Text,
		TS:      env.Event.TS,
	}, true, nil
}

// SendText posts plain text to channel.
func (b *Bot) SendText(ctx context.Context, channel, text string) error {
	return b.post(ctx, channel, slack.MsgOptionText(text, false))
}

// SendAttachments posts text with attachments to channel.
func (b *Bot) SendAttachments(ctx context.Context, channel, text string, attachments []relay.Attachment) error {
	opts := []slack.MsgOption{slack.MsgOptionAttachments(convertAttachments(attachments)...)}
	if text != "" {
		opts = append(opts, slack.MsgOptionText(text, false))
	}
	return b.post(ctx, channel, opts...)
}

func (b *Bot) post(ctx context.Context, channel string, opts ...slack.MsgOption) error {
	if _, _, err := b.api.PostMessageContext(ctx, channel, opts...); err != nil {
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			return fmt.Errorf("posting to %s: rate limited, retry after %s: %w", channel, rle.RetryAfter, err)
		}
		return fmt.Errorf("posting to %s: %w", channel, err)
	}
	return nil
}

// UserInfo fetches a user's handle and display name.
func (b *Bot) UserInfo(ctx context.Context, userID string) (*relay.ChatUser, error) {
	u, err := b.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("slack users.info %s: %w", userID, err)
	}
	realName := u.RealName
	if realName == "" {
		realName = u.Profile.RealName
	}
	return &relay.ChatUser{Username: u.Name, RealName: realName}, nil
}

func convertAttachments(in []relay.Attachment) []slack.Attachment {
	out := make([]slack.Attachment, 0, len(in))
	for _, a := range in {
		att := slack.Attachment{
			Fallback:  a.Fallback,
			Title:     a.Title,
			TitleLink: a.TitleLink,
			Text:      a.Text,
			ImageURL:  a.ImageURL,
		}
		for _, act := range a.Actions {
			att.Actions = append(att.Actions, slack.AttachmentAction{
				Name: act.Type,
				Type: slack.ActionType(act.Type),
				Text: act.Text,
				URL:  act.URL,
			})
		}
		out = append(out, att)
	}
	return out
}

// truncate shortens s to maxLen runes for logging.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
