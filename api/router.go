package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dkls-node/api/handlers"
	"dkls-node/internal/metrics"
)

func SetupRouter(h *handlers.Handler, exposeMetrics bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), countRequests)

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	router.POST("/keys", h.GenerateKey)
	router.GET("/keys", h.GetKeys)
	router.GET("/keys/:id", h.GetKey)
	router.POST("/keys/:id/sign", h.SignMessage)
	router.POST("/verify", handlers.VerifySignature)
	router.GET("/sessions/:id", h.GetSession)

	if exposeMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return router
}

func countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	metrics.HTTPRequest(route, strconv.Itoa(c.Writer.Status()))
}
