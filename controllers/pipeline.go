package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/BerniceZTT/crm_pipeline/models"
	"github.com/BerniceZTT/crm_pipeline/service"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 单次请求内数据库操作的超时上限
const requestTimeout = 10 * time.Second

var pipelineService *service.PipelineService

// InitPipelineController 注入管道服务实例
func InitPipelineController(svc *service.PipelineService) {
	pipelineService = svc
}

// GetPipelineList 获取所有活跃管道
func GetPipelineList(c *gin.Context) {
	user, err := utils.GetUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	utils.LogInfo(map[string]interface{}{
		"username": user.Username,
		"role":     user.Role,
	}, "管道列表请求")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	pipelines, err := pipelineService.GetAllPipelines(ctx)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, pipelines, "")
}

// GetPipeline 获取单个管道
func GetPipeline(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	pipeline, err := pipelineService.GetPipelineByID(ctx, id)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, pipeline, "")
}

// CreatePipeline 创建管道
func CreatePipeline(c *gin.Context) {
	var req models.PipelineCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleError(c, utils.CreateBadRequestError("请求参数错误: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	pipeline, err := pipelineService.CreatePipeline(ctx, req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("pipeline_created", pipeline)
	utils.SuccessResponse(c, pipeline, "创建管道成功", http.StatusCreated)
}

// UpdatePipeline 更新管道
func UpdatePipeline(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	var req models.PipelineUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleError(c, utils.CreateBadRequestError("请求参数错误: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	pipeline, err := pipelineService.UpdatePipeline(ctx, id, req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("pipeline_updated", pipeline)
	utils.SuccessResponse(c, pipeline, "更新管道成功")
}

// DeletePipeline 停用管道（软删除）
func DeletePipeline(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := pipelineService.DeletePipeline(ctx, id); err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("pipeline_deleted", gin.H{"pipelineId": id.Hex()})
	utils.SuccessResponse(c, nil, "管道已停用")
}

// ReactivatePipeline 重新启用管道
func ReactivatePipeline(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	pipeline, err := pipelineService.ReactivatePipeline(ctx, id)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("pipeline_reactivated", pipeline)
	utils.SuccessResponse(c, pipeline, "管道已启用")
}

// GetPipelineStages 获取管道下的活跃阶段
func GetPipelineStages(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stages, err := pipelineService.GetStagesByPipeline(ctx, id)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, stages, "")
}

// GetPipelineStageStats 获取管道下各阶段的交易统计
func GetPipelineStageStats(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stats, err := pipelineService.GetStageStats(ctx, id)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, stats, "")
}

// CreateStage 创建阶段
func CreateStage(c *gin.Context) {
	var req models.StageCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleError(c, utils.CreateBadRequestError("请求参数错误: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stage, err := pipelineService.CreateStage(ctx, req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("stage_created", stage)
	utils.SuccessResponse(c, stage, "创建阶段成功", http.StatusCreated)
}

// UpdateStage 更新阶段
func UpdateStage(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	var req models.StageUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleError(c, utils.CreateBadRequestError("请求参数错误: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stage, err := pipelineService.UpdateStage(ctx, id, req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("stage_updated", stage)
	utils.SuccessResponse(c, stage, "更新阶段成功")
}

// DeleteStage 停用阶段（软删除）
func DeleteStage(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := pipelineService.DeleteStage(ctx, id); err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("stage_deleted", gin.H{"stageId": id.Hex()})
	utils.SuccessResponse(c, nil, "阶段已停用")
}

// ReactivateStage 重新启用阶段
func ReactivateStage(c *gin.Context) {
	id, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stage, err := pipelineService.ReactivateStage(ctx, id)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("stage_reactivated", stage)
	utils.SuccessResponse(c, stage, "阶段已启用")
}

// ReorderStages 重排管道下的阶段
func ReorderStages(c *gin.Context) {
	pipelineID, ok := parseObjectID(c, c.Param("id"))
	if !ok {
		return
	}

	var req models.ReorderStagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleError(c, utils.CreateBadRequestError("请求参数错误: "+err.Error()))
		return
	}

	orderedHex := req.OrderedIDs()
	if len(orderedHex) == 0 {
		utils.HandleError(c, utils.CreateBadRequestError("stageIds或stageOrders不能为空"))
		return
	}

	orderedIDs := make([]primitive.ObjectID, 0, len(orderedHex))
	for _, hex := range orderedHex {
		id, err := primitive.ObjectIDFromHex(hex)
		if err != nil {
			utils.HandleError(c, utils.CreateBadRequestError("无效的阶段ID: "+hex))
			return
		}
		orderedIDs = append(orderedIDs, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stages, err := pipelineService.ReorderStages(ctx, pipelineID, orderedIDs)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	BroadcastPipelineChange("stages_reordered", stages)
	utils.SuccessResponse(c, stages, "阶段排序已更新")
}

// parseObjectID 解析路径中的ObjectID，失败时直接响应400
func parseObjectID(c *gin.Context, hex string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		utils.HandleError(c, utils.CreateBadRequestError("无效的ID格式"))
		return primitive.NilObjectID, false
	}
	return id, true
}
