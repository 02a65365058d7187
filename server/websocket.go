package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	errs "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	outboundBuffer = 64
)

// Frame types sent by the client.
const (
	frameSelect = "select"
	frameSend   = "send"
	frameRead   = "read"
	frameCreate = "create"
	frameDelete = "delete"
)

// Frame types sent by the server.
const (
	frameConversations = "conversations"
	frameMessages      = "messages"
	frameNotification  = "notification"
	frameEvent         = "event"
)

var errMissingConversation = errs.New("conversation details are required", http.StatusBadRequest)

type clientFrame struct {
	Type           string                            `json:"type"`
	ConversationID string                            `json:"conversation_id"`
	MessageID      string                            `json:"message_id"`
	Content        string                            `json:"content"`
	Conversation   *models.CreateConversationRequest `json:"conversation"`
}

type serverFrame struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Data           interface{} `json:"data"`
}

// socketSession is one user's live messaging session. The read loop handles
// client frames one at a time; only the write loop writes to the connection.
type socketSession struct {
	server   *Server
	user     *models.SessionUser
	conn     *websocket.Conn
	out      chan serverFrame
	notifier *services.ChannelNotifier
	facade   *services.MessagingFacade
	log      *logrus.Entry
}

func (s *Server) handleMessagingSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logrus.WithError(err).Warn("websocket upgrade failed")
			return
		}

		sess := &socketSession{
			server:   s,
			user:     user,
			conn:     conn,
			out:      make(chan serverFrame, outboundBuffer),
			notifier: services.NewChannelNotifier(outboundBuffer),
			log:      logrus.WithFields(logrus.Fields{"component": "websocket", "user_id": user.ID}),
		}
		sess.facade = s.messagingFor(user, sess.notifier, messagingOptions{
			conversations: []services.ConversationStoreOption{
				services.WithConversationsListener(sess.conversationsChanged),
			},
			messages: []services.MessageStoreOption{
				services.WithMessagesListener(sess.messagesChanged),
			},
		})
		sess.run()
	}
}

func (sess *socketSession) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer sess.facade.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.writeLoop(ctx)
	}()

	if gate, ok := sess.server.gateFor(sess.user.ID).(*services.BoxGate); ok {
		if err := gate.Publish(ctx); err != nil {
			sess.log.WithError(err).Warn("encryption key not published")
		}
	}
	_ = sess.facade.Start(ctx)
	sess.log.Info("messaging session opened")

	sess.readLoop(ctx)
	cancel()
	<-done
	sess.log.Info("messaging session closed")
}

func (sess *socketSession) readLoop(ctx context.Context) {
	sess.conn.SetReadLimit(maxFrameSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		sess.handle(ctx, frame)
	}
}

func (sess *socketSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()

	for {
		var frame serverFrame
		select {
		case <-ctx.Done():
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case n := <-sess.notifier.C():
			frame = serverFrame{Type: frameNotification, Data: n}
		case frame = <-sess.out:
		}

		_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sess.conn.WriteJSON(frame); err != nil {
			sess.log.WithError(err).Warn("websocket write failed")
			return
		}
	}
}

func (sess *socketSession) handle(ctx context.Context, frame clientFrame) {
	switch strings.ToLower(frame.Type) {
	case frameSelect:
		sess.selectConversation(ctx, frame.ConversationID)
	case frameSend:
		_ = sess.facade.Send(ctx, frame.ConversationID, frame.Content, nil)
	case frameRead:
		if _, err := sess.server.loadConversation(ctx, sess.user.ID, frame.ConversationID); err != nil {
			sess.notifyError("Could not mark messages read", err)
			return
		}
		sess.facade.MarkRead(ctx, frame.ConversationID)
	case frameCreate:
		sess.createConversation(ctx, frame.Conversation)
	case frameDelete:
		_ = sess.facade.DeleteMessage(ctx, frame.MessageID)
	default:
		sess.notifier.Notify(ctx, services.Notification{
			Level:   services.LevelWarning,
			Title:   "Unknown request",
			Message: "unsupported frame type " + frame.Type,
		})
	}
}

func (sess *socketSession) selectConversation(ctx context.Context, conversationID string) {
	if conversationID == "" {
		_ = sess.facade.SelectConversation(ctx, nil)
		return
	}
	conv, err := sess.server.loadConversation(ctx, sess.user.ID, conversationID)
	if err != nil {
		sess.notifyError("Could not open conversation", err)
		return
	}
	_ = sess.facade.SelectConversation(ctx, conv)
}

func (sess *socketSession) createConversation(ctx context.Context, req *models.CreateConversationRequest) {
	if req == nil {
		sess.notifyError("Could not start conversation", errMissingConversation)
		return
	}
	conv := sess.facade.CreateConversation(ctx, services.CreateConversationInput{
		ReceiverID:     strings.TrimSpace(req.ReceiverID),
		Subject:        req.Subject,
		InitialMessage: req.InitialMessage,
		PropertyID:     req.PropertyID,
		Category:       req.Category,
		Encrypted:      req.IsEncrypted,
	})
	if conv != nil {
		sess.emit(serverFrame{Type: frameEvent, ConversationID: conv.ID, Data: gin.H{"created": conv}})
	}
}

func (sess *socketSession) notifyError(title string, err error) {
	sess.notifier.Notify(context.Background(), services.Notification{
		Level:   services.LevelError,
		Title:   title,
		Message: err.Error(),
	})
}

func (sess *socketSession) conversationsChanged(conversations []models.Conversation) {
	sess.emit(serverFrame{Type: frameConversations, Data: conversations})
}

func (sess *socketSession) messagesChanged(conversationID string, messages []models.Message) {
	sess.emit(serverFrame{Type: frameMessages, ConversationID: conversationID, Data: messages})
}

// emit queues a frame for the write loop. A full queue drops the frame.
func (sess *socketSession) emit(frame serverFrame) {
	select {
	case sess.out <- frame:
	default:
		sess.log.WithField("frame", frame.Type).Warn("client is behind, frame dropped")
	}
}
