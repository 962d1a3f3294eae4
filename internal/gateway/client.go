package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// subscriptionMessage is the client-driven protocol for binding a
// connection to additional job ids after the initial upgrade.
type subscriptionMessage struct {
	Action string   `json:"action"`
	JobIDs []string `json:"jobIds"`
}

// ReadPump drains client-sent subscription messages until the connection
// closes, at which point it unregisters the client from the hub.
func (c *Client) ReadPump(ws *websocket.Conn) {
	defer func() {
		c.hub.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var sub subscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		if sub.Action != "subscribe" {
			continue
		}
		for _, jobID := range sub.JobIDs {
			c.Subscribe(jobID)
		}
	}
}

// WritePump delivers queued messages and periodic pings until the send
// channel closes or a write fails.
func (c *Client) WritePump(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
