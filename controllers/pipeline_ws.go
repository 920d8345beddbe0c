package controllers

import (
	"net/http"
	"sync"

	"github.com/BerniceZTT/crm_pipeline/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// PipelineWSMessage 管道看板变更消息
type PipelineWSMessage struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data"`
}

// 与CORS中间件保持一致的来源白名单
var wsAllowedOrigins = map[string]bool{
	"http://localhost:3000": true,
	"http://localhost:5173": true,
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 非浏览器客户端不带Origin头
			return true
		}
		return wsAllowedOrigins[origin]
	},
}

var (
	wsClients = make(map[*websocket.Conn]bool)
	wsMutex   sync.Mutex
)

// BroadcastPipelineChange 向所有已连接的看板客户端推送管道变更
func BroadcastPipelineChange(action string, data interface{}) {
	msg := PipelineWSMessage{Action: action, Data: data}

	wsMutex.Lock()
	defer wsMutex.Unlock()
	for client := range wsClients {
		if err := client.WriteJSON(msg); err != nil {
			client.Close()
			delete(wsClients, client)
		}
	}
}

// PipelineBoardWS 管道看板websocket连接
// 管理端看板通过该连接实时感知管道与阶段变更，无需轮询。
// 浏览器websocket握手无法携带Authorization头，令牌改由token查询参数传递
func PipelineBoardWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "未授权访问",
			"code":    "MISSING_TOKEN",
		})
		return
	}

	claims, err := utils.ParseToken(token)
	if err != nil {
		utils.Logger.Warn().Err(err).Msg("看板websocket令牌验证失败")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "无效的token",
			"code":    "INVALID_TOKEN",
		})
		return
	}
	if claims["id"] == nil || claims["role"] == nil {
		utils.Logger.Warn().Interface("claims", claims).Msg("看板websocket令牌缺少必要字段")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Token缺少必要字段",
			"code":    "INVALID_TOKEN",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.Logger.Error().Err(err).Msg("websocket升级失败")
		return
	}
	defer conn.Close()

	wsMutex.Lock()
	wsClients[conn] = true
	wsMutex.Unlock()

	utils.Logger.Info().
		Str("remote", conn.RemoteAddr().String()).
		Interface("userId", claims["id"]).
		Msg("看板客户端已连接")

	// 连接保持到客户端断开，入站消息忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	wsMutex.Lock()
	delete(wsClients, conn)
	wsMutex.Unlock()
}
