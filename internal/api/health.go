package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func (h *Handler) health(c *gin.Context) {
	resp := gin.H{
		"status":       "ok",
		"azure_client": false,
		"mode":         "fallback",
		"transport":    "",
		"error":        nil,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if b := h.backend; b != nil {
		resp["azure_client"] = b.ClientReady()
		resp["mode"] = b.HealthMode()
		resp["transport"] = b.Transport()
		if b.ProbeErr != nil {
			resp["error"] = b.ProbeErr.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// proxy forwards a raw request to the remote agent API over the selected
// transport and relays the answer unchanged.
func (h *Handler) proxy(c *gin.Context) {
	if h.backend == nil || h.backend.Remote == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remote agent client not configured"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	resp, err := h.backend.Remote.Forward(c.Request.Context(), c.Request.Method, c.Param("path"), c.Request.URL.Query(), body)
	if err != nil {
		log.Warn().Err(err).Str("path", c.Param("path")).Msg("proxy request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, nil)
}
