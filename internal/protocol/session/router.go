package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrUnexpectedReply = errors.New("session: unexpected reply")

// route is the receive loop's frame handler. Any returned error ends the
// connection.
func (s *Session) route(payload []byte) error {
	v, err := protocol.ParseBytes(payload)
	if err != nil {
		return err
	}
	msg, err := protocol.Classify(v)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case protocol.MessageNotification:
		s.notify(msg.Text)
		return nil
	case protocol.MessageReply:
		return s.deliverReply(msg)
	default:
		return fmt.Errorf("%w: kind %s", protocol.ErrUnknownMessage, msg.Kind)
	}
}

func (s *Session) notify(text string) {
	n := s.registry.Notify(text)
	log.Debug().Str("text", text).Int("matched", n).Msg("console notification")
	if s.onNotification != nil {
		s.onNotification(text)
	}
}

func (s *Session) deliverReply(msg protocol.Message) error {
	s.mu.Lock()
	call := s.inflight
	if call == nil || call.id != msg.ID {
		s.mu.Unlock()
		if call == nil {
			return errors.Join(protocol.ErrProtocol, fmt.Errorf("%w: id %d with no request in flight", ErrUnexpectedReply, msg.ID))
		}
		return errors.Join(protocol.ErrProtocol, fmt.Errorf("%w: id %d, expected %d", ErrUnexpectedReply, msg.ID, call.id))
	}
	s.inflight = nil
	s.mu.Unlock()
	call.reply <- msg
	return nil
}
