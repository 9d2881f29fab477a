// ABOUTME: Wire frames exchanged with the Almond conversation socket
// ABOUTME: Classifies user text into the four command shapes and decodes backend frames

package almond

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedCommand is returned when user text claims a raw JSON frame but
// does not carry valid JSON.
var ErrMalformedCommand = errors.New("malformed command")

// ErrMalformedFrame is returned for backend frames without a type.
var ErrMalformedFrame = errors.New("malformed frame")

// Shape identifies how a user command is presented to Almond.
type Shape int

const (
	// ShapeCommand is free natural-language text.
	ShapeCommand Shape = iota
	// ShapeThingTalk is a ThingTalk program typed after \t.
	ShapeThingTalk
	// ShapeParsed is a pre-tokenized program typed after \r.
	ShapeParsed
	// ShapeRaw is a JSON object typed after \r, forwarded verbatim.
	ShapeRaw
)

func (s Shape) String() string {
	switch s {
	case ShapeCommand:
		return "command"
	case ShapeThingTalk:
		return "thingtalk"
	case ShapeParsed:
		return "parsed"
	case ShapeRaw:
		return "raw"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Command is one user-to-agent item ready to be written to the socket.
type Command struct {
	Shape   Shape
	Payload json.RawMessage
}

type commandFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thingTalkFrame struct {
	Type string `json:"type"`
	TT   string `json:"tt"`
}

type parsedFrame struct {
	Type     string         `json:"type"`
	Code     []string       `json:"code"`
	Entities map[string]any `json:"entities"`
}

var rawJSONPrefix = regexp.MustCompile(`^\\r +\{`)

// ParseCommand classifies text:
//
//	\t <program>     ThingTalk
//	\r {json...}     raw frame, forwarded verbatim
//	\r tok tok ...   parsed token list
//	anything else    natural-language command
func ParseCommand(text string) (Command, error) {
	switch {
	case strings.HasPrefix(text, `\t`):
		return encodeCommand(ShapeThingTalk, thingTalkFrame{Type: "tt", TT: argument(text)})

	case rawJSONPrefix.MatchString(text):
		raw := strings.TrimSpace(text[2:])
		if !json.Valid([]byte(raw)) {
			return Command{}, fmt.Errorf("%w: invalid JSON after \\r", ErrMalformedCommand)
		}
		return Command{Shape: ShapeRaw, Payload: json.RawMessage(raw)}, nil

	case strings.HasPrefix(text, `\r`):
		return encodeCommand(ShapeParsed, parsedFrame{
			Type:     "parsed",
			Code:     strings.Split(argument(text), " "),
			Entities: map[string]any{},
		})

	default:
		return encodeCommand(ShapeCommand, commandFrame{Type: "command", Text: text})
	}
}

// argument strips the two-character escape and the single space after it.
func argument(text string) string {
	return strings.TrimPrefix(text[2:], " ")
}

func encodeCommand(shape Shape, v any) (Command, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Command{}, fmt.Errorf("encoding %s command: %w", shape, err)
	}
	return Command{Shape: shape, Payload: payload}, nil
}

// Kind is the type tag of a backend frame.
type Kind string

const (
	KindText       Kind = "text"
	KindPicture    Kind = "picture"
	KindRDL        Kind = "rdl"
	KindChoice     Kind = "choice"
	KindButton     Kind = "button"
	KindLink       Kind = "link"
	KindAskSpecial Kind = "askSpecial"
	KindUnknown    Kind = ""
)

// RDL is a rich deep link card.
type RDL struct {
	DisplayTitle string `json:"displayTitle"`
	DisplayText  string `json:"displayText,omitempty"`
	WebCallback  string `json:"webCallback"`
}

// Frame is one agent-to-user message. Only the fields relevant to its Kind
// are populated; Raw keeps the original bytes for frames this relay does not
// understand.
type Frame struct {
	// Seq is the arrival order on the connection that produced the frame.
	Seq uint64 `json:"-"`
	// Gen identifies the socket the frame was read from.
	Gen uint64 `json:"-"`

	Type  string  `json:"type"`
	Text  string  `json:"text,omitempty"`
	URL   string  `json:"url,omitempty"`
	Title string  `json:"title,omitempty"`
	RDL   *RDL    `json:"rdl,omitempty"`
	Ask   *string `json:"ask,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Kind returns the frame's tag, or KindUnknown for types added to the
// protocol after this relay was written.
func (f *Frame) Kind() Kind {
	switch k := Kind(f.Type); k {
	case KindText, KindPicture, KindRDL, KindChoice, KindButton, KindLink, KindAskSpecial:
		return k
	default:
		return KindUnknown
	}
}

// AskMode returns the askSpecial mode, "" when Almond sent null.
func (f *Frame) AskMode() string {
	if f.Ask == nil {
		return ""
	}
	return *f.Ask
}

// DecodeFrame parses one backend frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return &f, nil
}
