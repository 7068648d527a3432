package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/simctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 4096
)

// ConsoleEvent is one websocket message on /console/ws.
type ConsoleEvent struct {
	Text string `json:"text"`
	At   int64  `json:"at_ms"`
}

// consoleStream forwards console notifications to one websocket client.
// The optional "match" query narrows the stream to lines containing it.
func (g *Gateway) consoleStream(c *gin.Context) {
	pred := session.Any()
	if match := strings.TrimSpace(c.Query("match")); match != "" {
		pred = session.Contains(match)
	}
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("console upgrade failed")
		return
	}
	defer conn.Close()

	sub := g.sim.Session().Subscribe(pred)
	defer sub.Unsubscribe()
	log.Info().Str("remote", c.Request.RemoteAddr).Uint64("sub", sub.ID()).Msg("console stream opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The read side only detects the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("console stream read ended")
				}
				return
			}
		}
	}()

	for {
		text, err := sub.Wait(ctx, session.NoTimeout)
		if err != nil {
			reason := "console stream closed"
			code := websocket.CloseNormalClosure
			if !errors.Is(err, context.Canceled) {
				reason = err.Error()
				code = websocket.CloseGoingAway
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncate(reason, 120)), time.Now().Add(wsWriteWait))
			log.Info().Str("remote", c.Request.RemoteAddr).Str("reason", reason).Msg("console stream closed")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ConsoleEvent{Text: text, At: time.Now().UnixMilli()}); err != nil {
			log.Debug().Err(err).Msg("console stream write failed")
			return
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
