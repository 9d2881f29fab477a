// ABOUTME: Chat-platform types the relay consumes and produces
// ABOUTME: Inbound ChatEvent, outbound Attachment and the ChatClient boundary

package relay

import "context"

// ChatEvent is one inbound message event from the chat platform.
type ChatEvent struct {
	Type    string
	Subtype string
	Hidden  bool
	BotID   string
	User    string
	Channel string
	Text    string
	TS      string
}

// Action is a button on an attachment.
type Action struct {
	Type string
	Text string
	URL  string
}

// Attachment is a platform-neutral rich message fragment.
type Attachment struct {
	Fallback  string
	Title     string
	TitleLink string
	Text      string
	ImageURL  string
	Actions   []Action
}

// ChatUser is the profile the platform reports for a user id.
type ChatUser struct {
	Username string
	RealName string
}

// ChatSender posts messages to a channel.
type ChatSender interface {
	SendText(ctx context.Context, channel, text string) error
	SendAttachments(ctx context.Context, channel, text string, attachments []Attachment) error
}

// ChatClient is everything the dispatcher needs from the chat platform.
type ChatClient interface {
	ChatSender
	UserInfo(ctx context.Context, userID string) (*ChatUser, error)
}
