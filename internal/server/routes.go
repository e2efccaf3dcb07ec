package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/proxy"
	"github.com/zulandar/customgpt/internal/store"
)

type handlers struct {
	store store.Store
	exec  *proxy.Executor
}

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/health", handleHealth())
	router.POST("/proxy", h.proxy)

	api := router.Group("/api")
	api.GET("/dbhealth", h.dbHealth)

	chats := api.Group("/chats")
	chats.POST("", h.createChat)
	chats.GET("", h.listChats)
	chats.GET("/:id", h.getChat)
	chats.PATCH("/:id", h.updateChat)
	chats.POST("/:id/messages", h.appendMessage)
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":   true,
			"time": time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// proxy relays the described request. Upstream failures still come back
// as 200 with ok=false in the envelope; only transport errors are 502.
func (h *handlers) proxy(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, err)
		return
	}
	req, err := proxy.DecodeRequest(raw)
	if err != nil {
		writeError(c, err)
		return
	}

	env, err := h.exec.Do(c.Request.Context(), req)
	if err != nil {
		if isInvalid(err) {
			writeError(c, err)
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, env)
}

func (h *handlers) dbHealth(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ok":      false,
			"error":   CodeDBUnavailable,
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Database is healthy"})
}

type chatMetaRequest struct {
	ChatName   *string `json:"chat_name"`
	ConfigName *string `json:"config_name"`
}

func (h *handlers) createChat(c *gin.Context) {
	var req chatMetaRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	chat, err := h.store.CreateChat(c.Request.Context(), deref(req.ChatName), deref(req.ConfigName))
	if err != nil {
		writeError(c, err)
		return
	}
	logging.For("http").WithField("chat_id", chat.ChatID).Info("chat created")
	c.JSON(http.StatusCreated, gin.H{
		"ok":          true,
		"chat_id":     chat.ChatID,
		"chat_name":   chat.ChatName,
		"created_at":  chat.CreatedAt,
		"config_name": chat.ConfigName,
	})
}

func (h *handlers) listChats(c *gin.Context) {
	limit, _ := cast.ToIntE(c.Query("limit"))
	skip, _ := cast.ToIntE(c.Query("skip"))

	res, err := h.store.ListChats(c.Request.Context(), limit, skip)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"chats": res.Chats,
		"total": res.Total,
		"limit": res.Limit,
		"skip":  res.Skip,
	})
}

func (h *handlers) getChat(c *gin.Context) {
	chat, err := h.store.GetChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "chat": chat})
}

func (h *handlers) appendMessage(c *gin.Context) {
	var msg store.NewMessage
	if err := bindOptionalJSON(c, &msg); err != nil {
		writeError(c, err)
		return
	}

	id, chat, err := h.store.AppendMessage(c.Request.Context(), c.Param("id"), msg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "message_id": id, "chat": chat})
}

func (h *handlers) updateChat(c *gin.Context) {
	var req chatMetaRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	chat, err := h.store.UpdateChatMetadata(c.Request.Context(), c.Param("id"), store.MetadataPatch{
		ChatName:   req.ChatName,
		ConfigName: req.ConfigName,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "chat": chat})
}

// bindOptionalJSON decodes the request body into dst. An empty body leaves
// dst untouched.
func bindOptionalJSON(c *gin.Context, dst any) error {
	raw, err := c.GetRawData()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return nil
}

func isInvalid(err error) bool {
	status, _ := classify(err)
	return status == http.StatusBadRequest
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
