package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"voice-platform/internal/auth"
	"voice-platform/internal/rbac"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// TokenValidator resolves a bearer token to the caller's identity.
type TokenValidator func(token string) (userID, role string, err error)

// CallOwner returns the user that owns callID.
type CallOwner func(ctx context.Context, callID string) (userID string, err error)

type WSConfig struct {
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string
	ObserverBuffer int
	// Owner resolves call topics for non-admins. Without it only admins may follow a single call.
	Owner CallOwner
}

func (c WSConfig) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(c.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range c.AllowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// parseTopics reads ?topics=calls,user:<id>,call:<id>. Unknown topic shapes are ignored.
func parseTopics(raw string) []string {
	seen := map[string]bool{}
	out := make([]string, 0)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != TopicCalls && !hasID(t, callTopicPrefix) && !hasID(t, userTopicPrefix) {
			continue
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func hasID(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
}

// defaultTopics is what an observer follows when it names none.
func defaultTopics(userID, role string) []string {
	if rbac.IsAdmin(role) {
		return []string{TopicCalls}
	}
	return []string{UserTopic(userID)}
}

// permitted applies the REST visibility rule to a topic: admins see everything, other
// callers only their own user topic and calls they own.
func (c WSConfig) permitted(ctx context.Context, userID, role, topic string) bool {
	if rbac.IsAdmin(role) {
		return true
	}
	switch {
	case topic == TopicCalls:
		return false
	case strings.HasPrefix(topic, userTopicPrefix):
		return userID != "" && strings.TrimPrefix(topic, userTopicPrefix) == userID
	case strings.HasPrefix(topic, callTopicPrefix):
		if c.Owner == nil || userID == "" {
			return false
		}
		owner, err := c.Owner(ctx, strings.TrimPrefix(topic, callTopicPrefix))
		return err == nil && owner == userID
	}
	return false
}

// ServeWs upgrades an authenticated request and streams hub messages to it.
func ServeWs(hub *Hub, validate TokenValidator, cfg WSConfig, log *slog.Logger) gin.HandlerFunc {
	up := cfg.upgrader()
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c.Request)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		userID, role, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		topics := defaultTopics(userID, role)
		if raw := c.Query("topics"); strings.TrimSpace(raw) != "" {
			topics = parseTopics(raw)
		}
		if len(topics) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no valid topics"})
			return
		}
		for _, t := range topics {
			if !cfg.permitted(c.Request.Context(), userID, role, t) {
				c.JSON(http.StatusForbidden, gin.H{"error": "topic not permitted", "topic": t})
				return
			}
		}

		conn, err := up.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "err", err)
			return
		}

		obs := hub.Subscribe(topics, cfg.ObserverBuffer)
		log.Debug("observer joined", "observer_id", obs.ID, "user_id", userID, "role", role, "topics", topics)
		go writePump(conn, obs)
		readPump(conn)

		hub.Unsubscribe(obs)
		log.Debug("observer left", "observer_id", obs.ID, "dropped", obs.Dropped())
	}
}

// readPump only services control frames; observers do not send commands.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, obs *Observer) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-obs.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
