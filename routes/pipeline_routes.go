package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/BerniceZTT/crm_pipeline/controllers"
	"github.com/BerniceZTT/crm_pipeline/middleware"
)

func RegisterPipelineRoutes(router *gin.Engine) {
	// 看板websocket连接（握手带不了Bearer头，由处理器校验token查询参数）
	router.GET("/api/crm/ws/pipelines", controllers.PipelineBoardWS)

	pipelineGroup := router.Group("/api/crm/pipelines")
	pipelineGroup.Use(middleware.AuthMiddleware())

	// 获取管道列表
	pipelineGroup.GET("", middleware.PermissionMiddleware("pipelines", "read"), controllers.GetPipelineList)

	// 创建管道
	pipelineGroup.POST("", middleware.PermissionMiddleware("pipelines", "create"), controllers.CreatePipeline)

	// 创建阶段
	pipelineGroup.POST("/stages", middleware.PermissionMiddleware("pipelines", "create"), controllers.CreateStage)

	// 更新阶段
	pipelineGroup.PUT("/stages/:id", middleware.PermissionMiddleware("pipelines", "update"), controllers.UpdateStage)

	// 停用阶段
	pipelineGroup.DELETE("/stages/:id", middleware.PermissionMiddleware("pipelines", "delete"), controllers.DeleteStage)

	// 重新启用阶段
	pipelineGroup.POST("/stages/:id/reactivate", middleware.PermissionMiddleware("pipelines", "update"), controllers.ReactivateStage)

	// 获取单个管道
	pipelineGroup.GET("/:id", middleware.PermissionMiddleware("pipelines", "read"), controllers.GetPipeline)

	// 更新管道
	pipelineGroup.PUT("/:id", middleware.PermissionMiddleware("pipelines", "update"), controllers.UpdatePipeline)

	// 停用管道
	pipelineGroup.DELETE("/:id", middleware.PermissionMiddleware("pipelines", "delete"), controllers.DeletePipeline)

	// 重新启用管道
	pipelineGroup.POST("/:id/reactivate", middleware.PermissionMiddleware("pipelines", "update"), controllers.ReactivatePipeline)

	// 获取管道下的阶段
	pipelineGroup.GET("/:id/stages", middleware.PermissionMiddleware("pipelines", "read"), controllers.GetPipelineStages)

	// 阶段重排序
	pipelineGroup.POST("/:id/stages/reorder", middleware.PermissionMiddleware("pipelines", "update"), controllers.ReorderStages)

	// 阶段交易统计
	pipelineGroup.GET("/:id/stats", middleware.PermissionMiddleware("pipelines", "read"), controllers.GetPipelineStageStats)
}
