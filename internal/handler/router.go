package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mathimport/internal/middleware"
)

type RouterDeps struct {
	Imports         *ImportHandler
	Questions       *QuestionHandler
	Files           *FileHandler
	UploadRateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/imports", middleware.RateLimit(deps.UploadRateLimit), deps.Imports.Upload)
	api.GET("/imports/:session_id", deps.Imports.Get)
	api.DELETE("/imports/:session_id", deps.Imports.Delete)
	api.POST("/imports/:session_id/segments/:index/retry", deps.Imports.Retry)
	api.GET("/imports/:session_id/segments/:index/fallback", deps.Imports.Fallback)
	api.POST("/imports/:session_id/confirm", deps.Imports.Confirm)

	if deps.Questions != nil {
		api.GET("/submissions/:session_id/questions", deps.Questions.List)
	}
	api.GET("/files/:key", deps.Files.Get)
}
