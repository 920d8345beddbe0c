package service

import (
	"context"
	"errors"
	"time"

	"github.com/BerniceZTT/crm_pipeline/models"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrPositionConflict 表示阶段位置与唯一索引冲突，调用方应重算位置后重试
var ErrPositionConflict = errors.New("阶段位置冲突")

// 位置冲突时的最大重试次数
const maxPositionAttempts = 3

// PipelineStore 管道存储接口
// Mongo实现见repository包，测试使用内存实现
type PipelineStore interface {
	// ListPipelines 按创建顺序返回管道，onlyActive为true时过滤软删除记录
	ListPipelines(ctx context.Context, onlyActive bool) ([]models.SalesPipeline, error)
	// GetPipeline 按ID查询管道，不存在时返回(nil, nil)
	GetPipeline(ctx context.Context, id primitive.ObjectID) (*models.SalesPipeline, error)
	InsertPipeline(ctx context.Context, pipeline *models.SalesPipeline) error
	SavePipeline(ctx context.Context, pipeline *models.SalesPipeline) error

	// ListStages 按position升序返回管道下的阶段
	ListStages(ctx context.Context, pipelineID primitive.ObjectID, onlyActive bool) ([]models.CustomDealStage, error)
	// GetStage 按ID查询阶段，不存在时返回(nil, nil)
	GetStage(ctx context.Context, id primitive.ObjectID) (*models.CustomDealStage, error)
	// MaxStagePosition 返回管道下所有阶段（含已停用）的最大position，无阶段时返回0
	MaxStagePosition(ctx context.Context, pipelineID primitive.ObjectID) (int, error)
	// InsertStage 写入新阶段，位置冲突时返回ErrPositionConflict
	InsertStage(ctx context.Context, stage *models.CustomDealStage) error
	SaveStage(ctx context.Context, stage *models.CustomDealStage) error
	// DeactivateStagesByPipeline 批量停用管道下的全部活跃阶段
	DeactivateStagesByPipeline(ctx context.Context, pipelineID primitive.ObjectID) error
	// ApplyStageOrder 按给定顺序单批重写阶段位置(1..n)
	ApplyStageOrder(ctx context.Context, pipelineID primitive.ObjectID, orderedIDs []primitive.ObjectID) error

	// StageDealStats 统计指定阶段下的交易数量与金额合计
	StageDealStats(ctx context.Context, pipelineID, stageID primitive.ObjectID) (int64, float64, error)
}

// PipelineService 销售管道服务
type PipelineService struct {
	store PipelineStore
	cache *StatsCache
}

// NewPipelineService 创建管道服务
func NewPipelineService(store PipelineStore, cache *StatsCache) *PipelineService {
	return &PipelineService{store: store, cache: cache}
}

// GetAllPipelines 获取所有活跃管道（附带各自的活跃阶段列表）
func (s *PipelineService) GetAllPipelines(ctx context.Context) ([]models.SalesPipeline, error) {
	pipelines, err := s.store.ListPipelines(ctx, true)
	if err != nil {
		return nil, err
	}

	for i := range pipelines {
		stages, err := s.store.ListStages(ctx, pipelines[i].ID, true)
		if err != nil {
			return nil, err
		}
		pipelines[i].Stages = stages
	}

	return pipelines, nil
}

// GetPipelineByID 按ID获取管道（不过滤活跃状态，附带全部阶段）
func (s *PipelineService) GetPipelineByID(ctx context.Context, id primitive.ObjectID) (*models.SalesPipeline, error) {
	pipeline, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, utils.CreateNotFoundError("销售管道")
	}

	stages, err := s.store.ListStages(ctx, pipeline.ID, false)
	if err != nil {
		return nil, err
	}
	pipeline.Stages = stages

	return pipeline, nil
}

// CreatePipeline 创建管道
func (s *PipelineService) CreatePipeline(ctx context.Context, req models.PipelineCreateRequest) (*models.SalesPipeline, error) {
	now := time.Now()
	pipeline := &models.SalesPipeline{
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Stages:      []models.CustomDealStage{},
	}

	if err := s.store.InsertPipeline(ctx, pipeline); err != nil {
		return nil, err
	}

	utils.LogInfo(map[string]interface{}{
		"pipelineId": pipeline.ID.Hex(),
		"name":       pipeline.Name,
	}, "创建销售管道")

	return pipeline, nil
}

// UpdatePipeline 部分更新管道，返回更新后的完整管道
func (s *PipelineService) UpdatePipeline(ctx context.Context, id primitive.ObjectID, req models.PipelineUpdateRequest) (*models.SalesPipeline, error) {
	pipeline, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, utils.CreateNotFoundError("销售管道")
	}

	if req.Name != nil {
		pipeline.Name = *req.Name
	}
	if req.Description != nil {
		pipeline.Description = *req.Description
	}
	if req.IsDefault != nil {
		pipeline.IsDefault = *req.IsDefault
	}
	pipeline.UpdatedAt = time.Now()

	if err := s.store.SavePipeline(ctx, pipeline); err != nil {
		return nil, err
	}

	// 返回提交后的完整状态，而不是仅打了补丁的字段
	return s.GetPipelineByID(ctx, id)
}

// DeletePipeline 停用管道（软删除），默认管道受保护
// 同一管道下的活跃阶段级联停用
func (s *PipelineService) DeletePipeline(ctx context.Context, id primitive.ObjectID) error {
	pipeline, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	if pipeline == nil {
		return utils.CreateNotFoundError("销售管道")
	}

	if pipeline.IsDefault {
		return utils.CreateBusinessRuleError("默认管道不能删除")
	}

	pipeline.IsActive = false
	pipeline.UpdatedAt = time.Now()
	if err := s.store.SavePipeline(ctx, pipeline); err != nil {
		return err
	}

	if err := s.store.DeactivateStagesByPipeline(ctx, id); err != nil {
		return err
	}

	s.cache.Invalidate(ctx, id)

	utils.LogInfo(map[string]interface{}{
		"pipelineId": id.Hex(),
	}, "停用销售管道")

	return nil
}

// ReactivatePipeline 重新启用已停用的管道
// 阶段不随管道批量恢复，需要按个重新启用
func (s *PipelineService) ReactivatePipeline(ctx context.Context, id primitive.ObjectID) (*models.SalesPipeline, error) {
	pipeline, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, utils.CreateNotFoundError("销售管道")
	}

	pipeline.IsActive = true
	pipeline.UpdatedAt = time.Now()
	if err := s.store.SavePipeline(ctx, pipeline); err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, id)

	return s.GetPipelineByID(ctx, id)
}

// GetStagesByPipeline 获取管道下的活跃阶段（按position升序）
func (s *PipelineService) GetStagesByPipeline(ctx context.Context, pipelineID primitive.ObjectID) ([]models.CustomDealStage, error) {
	return s.store.ListStages(ctx, pipelineID, true)
}

// GetStageByID 按ID获取阶段（不过滤活跃状态）
func (s *PipelineService) GetStageByID(ctx context.Context, id primitive.ObjectID) (*models.CustomDealStage, error) {
	stage, err := s.store.GetStage(ctx, id)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, utils.CreateNotFoundError("阶段")
	}
	return stage, nil
}

// CreateStage 创建阶段
// position取管道下全部阶段（含已停用）的最大值加一，调用方传入的position被忽略；
// 并发创建命中唯一索引时重算位置重试
func (s *PipelineService) CreateStage(ctx context.Context, req models.StageCreateRequest) (*models.CustomDealStage, error) {
	pipelineID, err := primitive.ObjectIDFromHex(req.PipelineID)
	if err != nil {
		return nil, utils.CreateBadRequestError("无效的管道ID")
	}

	pipeline, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, utils.CreateNotFoundError("销售管道")
	}

	now := time.Now()
	stage := &models.CustomDealStage{
		Name:               req.Name,
		Color:              models.DefaultStageColor,
		DefaultProbability: models.DefaultStageProbability,
		IsActive:           true,
		PipelineID:         pipelineID,
		RequiredFields:     []string{},
		AutoMoveAfterDays:  req.AutoMoveAfterDays,
		StageType:          models.StageTypeOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.Color != "" {
		stage.Color = req.Color
	}
	if req.DefaultProbability != nil {
		stage.DefaultProbability = *req.DefaultProbability
	}
	if req.RequiredFields != nil {
		stage.RequiredFields = req.RequiredFields
	}
	if req.StageType != "" {
		stage.StageType = req.StageType
	}

	for attempt := 0; attempt < maxPositionAttempts; attempt++ {
		maxPosition, err := s.store.MaxStagePosition(ctx, pipelineID)
		if err != nil {
			return nil, err
		}
		stage.Position = maxPosition + 1

		err = s.store.InsertStage(ctx, stage)
		if errors.Is(err, ErrPositionConflict) {
			utils.LogInfo(map[string]interface{}{
				"pipelineId": pipelineID.Hex(),
				"position":   stage.Position,
				"attempt":    attempt + 1,
			}, "阶段位置冲突，重新计算")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.cache.Invalidate(ctx, pipelineID)
		return stage, nil
	}

	return nil, ErrPositionConflict
}

// UpdateStage 部分更新阶段，返回更新后的阶段
// 系统阶段的请求体中携带name字段即拒绝，即使新旧值相同
func (s *PipelineService) UpdateStage(ctx context.Context, id primitive.ObjectID, req models.StageUpdateRequest) (*models.CustomDealStage, error) {
	stage, err := s.store.GetStage(ctx, id)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, utils.CreateNotFoundError("阶段")
	}

	if stage.IsSystem && req.Name != nil {
		return nil, utils.CreateBusinessRuleError("系统阶段不能重命名")
	}

	if req.Name != nil {
		stage.Name = *req.Name
	}
	if req.Color != nil {
		stage.Color = *req.Color
	}
	if req.DefaultProbability != nil {
		stage.DefaultProbability = *req.DefaultProbability
	}
	if req.RequiredFields != nil {
		stage.RequiredFields = *req.RequiredFields
	}
	if req.AutoMoveAfterDays != nil {
		stage.AutoMoveAfterDays = req.AutoMoveAfterDays
	}
	if req.StageType != nil {
		stage.StageType = *req.StageType
	}
	stage.UpdatedAt = time.Now()

	if err := s.store.SaveStage(ctx, stage); err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, stage.PipelineID)

	return s.GetStageByID(ctx, id)
}

// DeleteStage 停用阶段（软删除），系统阶段受保护
// 对已停用的阶段重复调用不报错
func (s *PipelineService) DeleteStage(ctx context.Context, id primitive.ObjectID) error {
	stage, err := s.store.GetStage(ctx, id)
	if err != nil {
		return err
	}
	if stage == nil {
		return utils.CreateNotFoundError("阶段")
	}

	if stage.IsSystem {
		return utils.CreateBusinessRuleError("系统阶段不能删除")
	}

	stage.IsActive = false
	stage.UpdatedAt = time.Now()
	if err := s.store.SaveStage(ctx, stage); err != nil {
		return err
	}

	s.cache.Invalidate(ctx, stage.PipelineID)

	return nil
}

// ReactivateStage 重新启用已停用的阶段
func (s *PipelineService) ReactivateStage(ctx context.Context, id primitive.ObjectID) (*models.CustomDealStage, error) {
	stage, err := s.store.GetStage(ctx, id)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, utils.CreateNotFoundError("阶段")
	}

	stage.IsActive = true
	stage.UpdatedAt = time.Now()
	if err := s.store.SaveStage(ctx, stage); err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, stage.PipelineID)

	return s.GetStageByID(ctx, id)
}

// ReorderStages 按给定ID顺序重排管道的活跃阶段
// 提交列表中的阶段依次取位置1..n；未出现在列表中的阶段（含已停用）
// 保持原有相对顺序追加在后，保证整个管道的位置连续；整批提交为单次有序写入，
// 中途失败时位置仍满足唯一索引，重试本操作即可恢复
func (s *PipelineService) ReorderStages(ctx context.Context, pipelineID primitive.ObjectID, orderedIDs []primitive.ObjectID) ([]models.CustomDealStage, error) {
	stages, err := s.store.ListStages(ctx, pipelineID, false)
	if err != nil {
		return nil, err
	}

	active := make(map[primitive.ObjectID]bool, len(stages))
	for _, stage := range stages {
		if stage.IsActive {
			active[stage.ID] = true
		}
	}

	// 提交的ID中只保留本管道现存的活跃阶段
	final := make([]primitive.ObjectID, 0, len(stages))
	placed := make(map[primitive.ObjectID]bool, len(stages))
	for _, id := range orderedIDs {
		if active[id] && !placed[id] {
			final = append(final, id)
			placed[id] = true
		}
	}

	// 未提交的阶段按原相对顺序排在后面，已停用阶段一并重新编号
	// 避免其残留位置与新序列冲突
	for _, stage := range stages {
		if !placed[stage.ID] {
			final = append(final, stage.ID)
		}
	}

	if len(final) > 0 {
		if err := s.store.ApplyStageOrder(ctx, pipelineID, final); err != nil {
			return nil, err
		}
	}

	s.cache.Invalidate(ctx, pipelineID)

	return s.store.ListStages(ctx, pipelineID, true)
}

// GetStageStats 统计管道下各活跃阶段的交易数量与金额
// 以stageId关联deals集合，结果按阶段position排列；短期缓存降低看板刷新压力
func (s *PipelineService) GetStageStats(ctx context.Context, pipelineID primitive.ObjectID) ([]models.StageStats, error) {
	if cached, ok := s.cache.Get(ctx, pipelineID); ok {
		return cached, nil
	}

	stages, err := s.store.ListStages(ctx, pipelineID, true)
	if err != nil {
		return nil, err
	}

	stats := make([]models.StageStats, 0, len(stages))
	for _, stage := range stages {
		count, total, err := s.store.StageDealStats(ctx, pipelineID, stage.ID)
		if err != nil {
			return nil, err
		}
		stats = append(stats, models.StageStats{
			StageID:    stage.ID,
			Stage:      stage.Name,
			DealCount:  count,
			TotalValue: total,
		})
	}

	s.cache.Set(ctx, pipelineID, stats)

	return stats, nil
}
