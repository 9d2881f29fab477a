// ABOUTME: Turns Almond frames into Slack text and attachments
// ABOUTME: Rewrites Almond-relative links to absolute URLs

package relay

import (
	"net/url"
	"strings"

	"github.com/stanford-oval/slackmond/internal/almond"
)

const (
	pictureFallbackPrefix = "Almond sends a picture: "
	loginButtonText       = "Log in to Almond"
)

type chatMessage struct {
	text        string
	attachments []Attachment
}

type linkResolver struct {
	almondURL    string
	serverOrigin string
}

// resolve maps a link frame URL to an absolute URL and a button label.
func (l linkResolver) resolve(rawURL, title, slackID string) (href, label string) {
	switch {
	case rawURL == "/apps":
		return l.almondURL + "/me", title
	case rawURL == "/user/register":
		return l.serverOrigin + "/register?slack_id=" + url.QueryEscape(slackID), loginButtonText
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return rawURL, title
	default:
		return l.almondURL + rawURL, title
	}
}

// format renders every user-visible frame kind. askSpecial and unknown frames
// never reach it.
func (l linkResolver) format(f *almond.Frame, slackID string) chatMessage {
	switch f.Kind() {
	case almond.KindPicture:
		return chatMessage{attachments: []Attachment{{
			Fallback: pictureFallbackPrefix + f.URL,
			ImageURL: f.URL,
		}}}

	case almond.KindRDL:
		if f.RDL == nil {
			return chatMessage{text: f.Text}
		}
		return chatMessage{attachments: []Attachment{{
			Fallback:  f.RDL.DisplayTitle,
			Title:     f.RDL.DisplayTitle,
			TitleLink: f.RDL.WebCallback,
			Text:      f.RDL.DisplayText,
		}}}

	case almond.KindChoice:
		return chatMessage{text: "Choice: " + f.Text}

	case almond.KindButton:
		return chatMessage{text: "Button: " + f.Title}

	case almond.KindLink:
		href, label := l.resolve(f.URL, f.Title, slackID)
		// The fallback shows Almond's own URL so notifications never carry
		// the registration link.
		return chatMessage{attachments: []Attachment{{
			Fallback: f.Title + " at " + f.URL,
			Actions:  []Action{{Type: "button", Text: label, URL: href}},
		}}}

	default:
		return chatMessage{text: f.Text}
	}
}
