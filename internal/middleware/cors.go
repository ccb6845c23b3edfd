package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware 跨域头；只有浏览器预检请求会被直接应答，WebDAV客户端的OPTIONS照常路由
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS, PROPFIND")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Depth, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, DAV, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
