package api

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter returns a gin engine serving svc under /v1 plus /__heartbeat__.
func NewRouter(svc Service, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(logger), RequestContext(), gzip.Gzip(gzip.DefaultCompression))

	r.GET("/__heartbeat__", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    http.StatusNotFound,
			"errno":   999,
			"error":   http.StatusText(http.StatusNotFound),
			"message": "Unknown route",
		})
	})

	Register(r.Group("/v1"), NewHandler(svc))
	return r
}
