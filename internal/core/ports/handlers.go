package ports

import "github.com/gin-gonic/gin"

type CallHTTPHandler interface {
	Join(c *gin.Context)
	Start(c *gin.Context)
	End(c *gin.Context)
	ToggleMute(c *gin.Context)
	ToggleCamera(c *gin.Context)
	State(c *gin.Context)
}
