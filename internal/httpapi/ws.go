package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/queue"
	"relaystack.local/relay-gateway/internal/syncengine"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     isWebSocketOriginAllowed,
}

// wsClientMessage is an inline action sent by an attached client. Prompt and
// typing actions travel over the socket so a mobile client needs only the one
// connection once attached.
type wsClientMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	UserID    string `json:"userId"`
	Typing    bool   `json:"typing"`
}

type wsAck struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed err=%v", err)
		return
	}
	defer conn.Close()

	if userID := r.URL.Query().Get("userId"); userID != "" {
		s.userOnline(userID)
		defer s.userOffline(userID)
	}

	sub := s.service.Engine().Subscribe(scope)
	defer s.service.Engine().Unsubscribe(sub)

	// Outbound writes are funneled through one channel so the event loop
	// and action acks never interleave frames.
	outbound := make(chan any, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case event, ok := <-sub.Events():
				if !ok {
					conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
						time.Now().Add(wsWriteTimeout))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case msg := <-outbound:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !wsCloseExpected(err) {
				s.logger.Printf("websocket read failed err=%v", err)
			}
			break
		}
		ack := s.applyClientAction(r, msg)
		select {
		case outbound <- ack:
		case <-done:
			return
		}
	}
	<-done
}

func (s *server) applyClientAction(r *http.Request, msg wsClientMessage) wsAck {
	ack := wsAck{Type: "ack", Action: msg.Action, SessionID: msg.SessionID}
	switch msg.Action {
	case "prompt":
		if strings.TrimSpace(msg.Text) == "" {
			ack.Error = "text is required"
			return ack
		}
		messageID, err := s.service.SendPrompt(r.Context(), msg.SessionID, []agent.ContentPart{{Text: msg.Text}})
		if err != nil {
			ack.Error = wsActionError(err)
			return ack
		}
		ack.MessageID = messageID
	case "typing":
		s.service.Engine().SetTyping(syncengine.Typing{
			SessionID: msg.SessionID,
			UserID:    msg.UserID,
			Typing:    msg.Typing,
		})
	case "cancel":
		if err := s.service.CancelPrompt(msg.SessionID); err != nil {
			ack.Error = wsActionError(err)
		}
	default:
		ack.Error = "unknown action"
	}
	return ack
}

func wsActionError(err error) string {
	switch {
	case isNotFound(err):
		return "session not found"
	case errors.Is(err, queue.ErrQueueFull):
		return "prompt queue full"
	default:
		return "action failed"
	}
}

func wsCloseExpected(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
