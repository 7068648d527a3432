package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// NotificationTag is the leading element of every server push.
	NotificationTag = "Console"

	// VerbCommand executes its argument as an interactive console command.
	VerbCommand       = "Command"
	VerbConfiguration = "Configuration"
	VerbControl       = "Control"
	VerbBreakpoint    = "Breakpoint"
	VerbSymbol        = "Symbol"
	VerbStatus        = "Status"
	VerbButton        = "Button"
)

// Command is one request descriptor: a verb plus its argument value.
type Command struct {
	Verb string
	Args Value
}

// NewCommand builds a [verb, args] descriptor. Several args are sent as one list.
func NewCommand(verb string, args ...Value) Command {
	switch len(args) {
	case 0:
		return Command{Verb: verb}
	case 1:
		return Command{Verb: verb, Args: args[0]}
	default:
		return Command{Verb: verb, Args: List(args...)}
	}
}

// Console builds the literal-string form: an interactively executed command.
func Console(text string) Command {
	return Command{Verb: VerbCommand, Args: String(text)}
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.Verb) == "" {
		return fmt.Errorf("%w: missing verb", ErrInvalidCommand)
	}
	if c.Verb == NotificationTag {
		return fmt.Errorf("%w: verb %q is reserved", ErrInvalidCommand, c.Verb)
	}
	return nil
}

func (c Command) String() string {
	if c.Args.IsNil() {
		return c.Verb
	}
	return c.Verb + " " + c.Args.String()
}

// EncodeRequest renders [id, verb, args] for the command service.
func EncodeRequest(id uint64, cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	items := []Value{Uint(id), String(cmd.Verb)}
	if !cmd.Args.IsNil() {
		items = append(items, cmd.Args)
	}
	return Encode(Value{kind: KindList, list: items})
}

// MessageKind separates correlated replies from server pushes.
type MessageKind uint8

const (
	MessageReply MessageKind = iota + 1
	MessageNotification
)

func (k MessageKind) String() string {
	switch k {
	case MessageReply:
		return "reply"
	case MessageNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is one classified frame of the command service.
type Message struct {
	Kind MessageKind

	// Reply fields. HasResult is false for a void reply [id].
	ID        uint64
	Result    Value
	HasResult bool

	// Notification text.
	Text string
}

// Classify maps a decoded frame onto a Reply or a Notification. Any other
// shape is a protocol error.
func Classify(v Value) (Message, error) {
	if v.Kind() != KindList || v.Len() == 0 {
		return Message{}, unknownShape(v)
	}
	head := v.Index(0)
	switch head.Kind() {
	case KindInt:
		id, _ := head.AsInt()
		if id < 0 || v.Len() > 2 {
			return Message{}, unknownShape(v)
		}
		msg := Message{Kind: MessageReply, ID: uint64(id)}
		if v.Len() == 2 {
			msg.Result = v.Index(1)
			msg.HasResult = true
		}
		return msg, nil
	case KindString:
		tag, _ := head.AsString()
		if tag != NotificationTag || v.Len() != 2 {
			return Message{}, unknownShape(v)
		}
		text, err := v.Index(1).AsString()
		if err != nil {
			return Message{}, unknownShape(v)
		}
		return Message{Kind: MessageNotification, Text: text}, nil
	default:
		return Message{}, unknownShape(v)
	}
}

func unknownShape(v Value) error {
	return errors.Join(ErrProtocol, fmt.Errorf("%w: %s", ErrUnknownMessage, truncate(v.String(), 120)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
