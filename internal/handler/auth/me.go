package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/internal/pkg/ctxutil"
	"relay/internal/service"
)

// GetMe 获取当前用户信息
// @Summary      获取当前用户信息
// @Description  根据Access Token获取当前登录用户的信息
// @Tags         认证
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  UserInfo
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/v1/auth/me [get]
func (h *Handler) GetMe(c *gin.Context) {
	userID, ok := ctxutil.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    40101,
			Message: "未登录",
		})
		return
	}

	user, err := h.authService.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Code:    40401,
				Message: "用户不存在",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    50001,
			Message: "获取用户信息失败",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, toUserInfo(user))
}
