package routes

import (
	"github.com/BerniceZTT/crm_pipeline/repository"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(router *gin.Engine) {
	// 注册管道管理路由
	RegisterPipelineRoutes(router)

	// 健康检查路由
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// 数据库状态检查路由
	router.GET("/api/db-status", func(c *gin.Context) {
		status, err := repository.GetDatabaseStatus()
		if err != nil {
			utils.ErrorResponse(c, "获取数据库状态失败: "+err.Error(), 500)
			return
		}
		c.JSON(200, status)
	})
}
