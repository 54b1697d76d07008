package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"upliftcs/internal/services"
	"upliftcs/internal/ws"
	"upliftcs/pkg/jwt"
	"upliftcs/pkg/logger"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 300 * time.Second
	wsPingPeriod   = 60 * time.Second
)

// WebSocketHandler 推送剧本执行事件
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	hub         *ws.Hub
	jwtManager  *jwt.JWTManager
	userService *services.UserService
	log         *logrus.Logger
}

func NewWebSocketHandler(hub *ws.Hub, jwtManager *jwt.JWTManager, userService *services.UserService, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// 同源请求没有 Origin
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || matchOrigin(origin, allowed) {
						return true
					}
				}
				logger.GetLogger().Warnf("WebSocket连接被拒绝，非法Origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 32,
		},
		hub:         hub,
		jwtManager:  jwtManager,
		userService: userService,
		log:         logger.GetLogger(),
	}
}

// matchOrigin 支持 https://*.example.com 形式的通配
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}
	if i := strings.Index(allowed, "*."); i >= 0 {
		prefix := allowed[:i]
		suffix := allowed[i+1:]
		return strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix)
	}
	return false
}

// ExecutionEvents 订阅本组织的执行事件。浏览器 WebSocket 不能带自定义 header，令牌放在 token 查询参数
func (h *WebSocketHandler) ExecutionEvents(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
	}
	if token == "" {
		response.Unauthorized(c, "authentication required")
		return
	}

	claims, err := h.jwtManager.VerifyAccessToken(token)
	if err != nil {
		response.Unauthorized(c, "invalid or expired token")
		return
	}
	user, err := h.userService.Get(claims.OrganizationID, claims.UserID)
	if err != nil || !user.IsActive {
		response.Unauthorized(c, "account is not active")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	entry := h.log.WithFields(logrus.Fields{
		"organization_id": claims.OrganizationID,
		"user_id":         claims.UserID,
	})
	entry.Info("WebSocket connection established")

	events, unsubscribe := h.hub.Subscribe(claims.OrganizationID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.readPump(conn, cancel)

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			entry.Info("WebSocket connection closed")
			return

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				entry.WithError(err).Warn("Failed to send event to client")
				return
			}
		}
	}
}

// readPump 只处理 pong 和关闭
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Warn("WebSocket unexpected close")
			}
			return
		}
	}
}
