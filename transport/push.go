package transport

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/message"
)

// EventSink receives decoded push events. Implemented by the client
// facade, which routes them through the store/bus path so push-driven
// updates obey the same dedup and monotonicity rules as everything
// else.
type EventSink interface {
	RemoteMessage(conversationID string, m message.Message)
	RemoteStatus(conversationID, messageID string, status message.Status)
	RemotePresence(conversationID, userID string, online bool)
	RemoteTyping(conversationID, userID string, active bool)
}

// PushListener consumes the remote's websocket event stream and feeds
// it into an EventSink. Create with DialPush; Close on teardown.
type PushListener struct {
	conn *websocket.Conn
	sink EventSink
	done chan struct{}
}

// DialPush connects to the push endpoint (ws:// or wss:// URL) and
// starts dispatching events until the connection closes.
func DialPush(wsURL string, sink EventSink) (*PushListener, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	l := &PushListener{conn: conn, sink: sink, done: make(chan struct{})}
	go l.readLoop()
	return l, nil
}

func (l *PushListener) readLoop() {
	defer close(l.done)
	for {
		var ev Event
		if err := l.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
				}).WithError(err).Warn("push channel closed")
			}
			return
		}
		l.dispatch(ev)
	}
}

func (l *PushListener) dispatch(ev Event) {
	switch ev.Type {
	case EventMessageReceive:
		var p MessagePayload
		if decode(ev, &p) {
			l.sink.RemoteMessage(p.ConversationID, p.Message)
		}
	case EventMessageStatus:
		var p StatusPayload
		if decode(ev, &p) {
			l.sink.RemoteStatus(p.ConversationID, p.MessageID, p.Status)
		}
	case EventPresenceUpdate:
		var p PresencePayload
		if decode(ev, &p) {
			l.sink.RemotePresence(p.ConversationID, p.UserID, p.Online)
		}
	case EventTyping:
		var p TypingPayload
		if decode(ev, &p) {
			l.sink.RemoteTyping(p.ConversationID, p.UserID, p.Active)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     ev.Type,
		}).Debug("unknown push event, ignored")
	}
}

func decode(ev Event, out any) bool {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "decode",
			"type":     ev.Type,
		}).WithError(err).Warn("malformed push payload, dropped")
		return false
	}
	return true
}

// Close tears down the connection and waits for the dispatch loop to
// exit.
func (l *PushListener) Close() error {
	err := l.conn.Close()
	<-l.done
	return err
}
