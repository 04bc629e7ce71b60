package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay/internal/ai"
	"relay/internal/model"
	"relay/internal/pkg/ctxutil"
	"relay/internal/repository"
	"relay/internal/service"
)

// ChatHandler 对话处理器
type ChatHandler struct {
	chatSvc      *service.ChatService
	historyLimit int // 历史查询默认条数
}

// NewChatHandler 创建对话处理器
func NewChatHandler(chatSvc *service.ChatService, historyLimit int) *ChatHandler {
	return &ChatHandler{
		chatSvc:      chatSvc,
		historyLimit: historyLimit,
	}
}

// Chat 对话接口
// @Summary      发送消息并获取AI回复
// @Tags         对话
// @Accept       json
// @Produce      json
// @Param        request  body      model.ChatRequest  true  "对话请求"
// @Success      200     {object}  model.ChatResponse
// @Failure      400     {object}  model.ErrorResponse
// @Failure      502     {object}  model.ErrorResponse
// @Router       /api/v1/chat [post]
func (h *ChatHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}

	userID, _ := ctxutil.GetUserID(c.Request.Context())

	resp, err := h.chatSvc.Chat(c.Request.Context(), userID, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// History 获取对话历史
// @Summary      获取对话历史
// @Tags         对话
// @Produce      json
// @Param        id     path   string  true   "对话ID"
// @Param        limit  query  int     false  "返回最新的消息条数"
// @Success      200  {object}  model.Conversation
// @Failure      404  {object}  model.ErrorResponse
// @Router       /api/v1/chat/history/{id} [get]
func (h *ChatHandler) History(c *gin.Context) {
	conversationID := c.Param("id")

	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, model.ErrorResponse{
				Code:    40002,
				Message: "Invalid limit",
			})
			return
		}
		limit = parsed
	}

	userID, _ := ctxutil.GetUserID(c.Request.Context())

	conv, err := h.chatSvc.GetHistory(c.Request.Context(), userID, conversationID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// Delete 删除对话
// @Summary      删除对话
// @Tags         对话
// @Produce      json
// @Param        id  path  string  true  "对话ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  model.ErrorResponse
// @Router       /api/v1/chat/history/{id} [delete]
func (h *ChatHandler) Delete(c *gin.Context) {
	conversationID := c.Param("id")
	userID, _ := ctxutil.GetUserID(c.Request.Context())

	deleted, err := h.chatSvc.Delete(c.Request.Context(), userID, conversationID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if !deleted {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Conversation deleted",
	})
}

// List 列出当前用户的对话
// @Summary      列出当前用户的对话ID
// @Tags         对话
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/chat/conversations [get]
func (h *ChatHandler) List(c *gin.Context) {
	userID, _ := ctxutil.GetUserID(c.Request.Context())

	ids, err := h.chatSvc.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": ids,
		"total":         len(ids),
	})
}

// writeError 按错误类型映射 HTTP 状态
func (h *ChatHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Conversation not found",
		})
	case errors.Is(err, ai.ErrUpstream):
		c.JSON(http.StatusBadGateway, model.ErrorResponse{
			Code:    50201,
			Message: "Completion service error",
			Detail:  err.Error(),
		})
	case errors.Is(err, repository.ErrCorruptedConversation):
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50003,
			Message: "Conversation record corrupted",
			Detail:  err.Error(),
		})
	case errors.Is(err, repository.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{
			Code:    50301,
			Message: "Conversation store unavailable",
		})
	default:
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Internal error",
			Detail:  err.Error(),
		})
	}
}
