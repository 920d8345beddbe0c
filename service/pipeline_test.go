package service

import (
	"context"
	"testing"

	"github.com/BerniceZTT/crm_pipeline/models"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newTestService() (*PipelineService, *memoryStore) {
	store := newMemoryStore()
	return NewPipelineService(store, NewStatsCache("")), store
}

func TestCreatePipelineRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreatePipeline(ctx, models.PipelineCreateRequest{Name: "渠道销售"})
	require.NoError(t, err)
	require.False(t, created.ID.IsZero())

	got, err := svc.GetPipelineByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "渠道销售", got.Name)
	assert.True(t, got.IsActive)
	assert.Empty(t, got.Stages)
}

func TestGetPipelineByIDNotFound(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.GetPipelineByID(context.Background(), primitive.NewObjectID())
	require.Error(t, err)

	apiErr, ok := err.(*utils.ApiError)
	require.True(t, ok)
	assert.Equal(t, "RESOURCE_NOT_FOUND", apiErr.ErrorCode)
}

func TestGetAllPipelinesFiltersInactive(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	activeID := store.seedPipeline("活跃管道", false, true)
	store.seedPipeline("停用管道", false, false)

	pipelines, err := svc.GetAllPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, activeID, pipelines[0].ID)
}

func TestGetAllPipelinesPopulatesActiveStages(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", true, true)
	store.seedStage(pipelineID, "初步接触", 1, true, false)
	store.seedStage(pipelineID, "废弃阶段", 2, false, false)

	pipelines, err := svc.GetAllPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	require.Len(t, pipelines[0].Stages, 1)
	assert.Equal(t, "初步接触", pipelines[0].Stages[0].Name)
}

func TestUpdatePipelineReturnsCommittedState(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("旧名称", false, true)
	store.seedStage(pipelineID, "初步接触", 1, true, false)

	name := "新名称"
	updated, err := svc.UpdatePipeline(ctx, pipelineID, models.PipelineUpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "新名称", updated.Name)
	// 返回的是包含阶段关系的完整状态
	assert.Len(t, updated.Stages, 1)
}

func TestDeleteDefaultPipelineProtected(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", true, true)

	err := svc.DeletePipeline(ctx, pipelineID)
	require.Error(t, err)
	assert.True(t, utils.IsBusinessRuleError(err))

	// 保护生效时不得修改isActive
	pipeline, err := svc.GetPipelineByID(ctx, pipelineID)
	require.NoError(t, err)
	assert.True(t, pipeline.IsActive)
}

func TestDeletePipelineCascadesStages(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("临时管道", false, true)
	stageID := store.seedStage(pipelineID, "初步接触", 1, true, false)

	require.NoError(t, svc.DeletePipeline(ctx, pipelineID))

	pipeline, err := svc.GetPipelineByID(ctx, pipelineID)
	require.NoError(t, err)
	assert.False(t, pipeline.IsActive)

	stage, err := svc.GetStageByID(ctx, stageID)
	require.NoError(t, err)
	assert.False(t, stage.IsActive)

	// 重复停用不报错
	require.NoError(t, svc.DeletePipeline(ctx, pipelineID))
}

func TestReactivatePipeline(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("临时管道", false, false)

	pipeline, err := svc.ReactivatePipeline(ctx, pipelineID)
	require.NoError(t, err)
	assert.True(t, pipeline.IsActive)

	pipelines, err := svc.GetAllPipelines(ctx)
	require.NoError(t, err)
	assert.Len(t, pipelines, 1)
}

func TestCreateStageFirstPosition(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("空管道", false, true)

	stage, err := svc.CreateStage(ctx, models.StageCreateRequest{
		Name:       "初步接触",
		PipelineID: pipelineID.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stage.Position)
	assert.Equal(t, models.DefaultStageColor, stage.Color)
	assert.Equal(t, models.DefaultStageProbability, stage.DefaultProbability)
	assert.Equal(t, models.StageTypeOpen, stage.StageType)
	assert.True(t, stage.IsActive)
}

func TestCreateStagePositionIgnoresActivity(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	store.seedStage(pipelineID, "阶段一", 1, true, false)
	store.seedStage(pipelineID, "阶段二", 2, false, false) // 已停用，位置仍被占用
	store.seedStage(pipelineID, "阶段三", 3, true, false)

	stage, err := svc.CreateStage(ctx, models.StageCreateRequest{
		Name:       "阶段四",
		PipelineID: pipelineID.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, stage.Position)
}

func TestCreateStageRejectsMissingPipeline(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// 非法的管道ID
	_, err := svc.CreateStage(ctx, models.StageCreateRequest{Name: "阶段", PipelineID: "not-an-id"})
	require.Error(t, err)
	apiErr, ok := err.(*utils.ApiError)
	require.True(t, ok)
	assert.Equal(t, "BAD_REQUEST", apiErr.ErrorCode)

	// 不存在的管道
	_, err = svc.CreateStage(ctx, models.StageCreateRequest{
		Name:       "阶段",
		PipelineID: primitive.NewObjectID().Hex(),
	})
	require.Error(t, err)
	apiErr, ok = err.(*utils.ApiError)
	require.True(t, ok)
	assert.Equal(t, "RESOURCE_NOT_FOUND", apiErr.ErrorCode)
}

// conflictingStore 首次插入返回位置冲突，模拟并发创建
type conflictingStore struct {
	*memoryStore
	conflicts int
}

func (c *conflictingStore) InsertStage(ctx context.Context, stage *models.CustomDealStage) error {
	if c.conflicts > 0 {
		c.conflicts--
		return ErrPositionConflict
	}
	return c.memoryStore.InsertStage(ctx, stage)
}

func TestCreateStageRetriesOnPositionConflict(t *testing.T) {
	store := &conflictingStore{memoryStore: newMemoryStore(), conflicts: 1}
	svc := NewPipelineService(store, NewStatsCache(""))
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	store.seedStage(pipelineID, "阶段一", 1, true, false)

	stage, err := svc.CreateStage(ctx, models.StageCreateRequest{
		Name:       "阶段二",
		PipelineID: pipelineID.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stage.Position)
}

func TestUpdateSystemStageNameRejected(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", true, true)
	stageID := store.seedStage(pipelineID, "赢单", 1, true, true)

	// 新旧值相同也拒绝：只看请求体里是否出现name字段
	sameName := "赢单"
	_, err := svc.UpdateStage(ctx, stageID, models.StageUpdateRequest{Name: &sameName})
	require.Error(t, err)
	assert.True(t, utils.IsBusinessRuleError(err))

	color := "#FF0000"
	_, err = svc.UpdateStage(ctx, stageID, models.StageUpdateRequest{Name: &sameName, Color: &color})
	require.Error(t, err)

	// 被拒绝的更新不得有任何字段落库
	stage, err := svc.GetStageByID(ctx, stageID)
	require.NoError(t, err)
	assert.Equal(t, "赢单", stage.Name)
	assert.Equal(t, models.DefaultStageColor, stage.Color)
}

func TestUpdateSystemStageOtherFieldsAllowed(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", true, true)
	stageID := store.seedStage(pipelineID, "赢单", 1, true, true)

	color := "#10B981"
	stage, err := svc.UpdateStage(ctx, stageID, models.StageUpdateRequest{Color: &color})
	require.NoError(t, err)
	assert.Equal(t, "#10B981", stage.Color)
	assert.Equal(t, "赢单", stage.Name)
}

func TestDeleteSystemStageProtected(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", true, true)
	stageID := store.seedStage(pipelineID, "输单", 1, true, true)

	err := svc.DeleteStage(ctx, stageID)
	require.Error(t, err)
	assert.True(t, utils.IsBusinessRuleError(err))

	stage, err := svc.GetStageByID(ctx, stageID)
	require.NoError(t, err)
	assert.True(t, stage.IsActive)
}

func TestDeleteStageIdempotent(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	stageID := store.seedStage(pipelineID, "初步接触", 1, true, false)

	require.NoError(t, svc.DeleteStage(ctx, stageID))
	// 第二次停用同样成功
	require.NoError(t, svc.DeleteStage(ctx, stageID))

	stage, err := svc.GetStageByID(ctx, stageID)
	require.NoError(t, err)
	assert.False(t, stage.IsActive)
}

func TestReactivateStage(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	stageID := store.seedStage(pipelineID, "初步接触", 1, false, false)

	stage, err := svc.ReactivateStage(ctx, stageID)
	require.NoError(t, err)
	assert.True(t, stage.IsActive)

	stages, err := svc.GetStagesByPipeline(ctx, pipelineID)
	require.NoError(t, err)
	assert.Len(t, stages, 1)
}

func TestGetStagesFiltersAndSorts(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	store.seedStage(pipelineID, "第三", 3, true, false)
	store.seedStage(pipelineID, "第一", 1, true, false)
	store.seedStage(pipelineID, "停用", 2, false, false)

	stages, err := svc.GetStagesByPipeline(ctx, pipelineID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "第一", stages[0].Name)
	assert.Equal(t, "第三", stages[1].Name)
}

func TestReorderStages(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	s1 := store.seedStage(pipelineID, "阶段一", 1, true, false)
	s2 := store.seedStage(pipelineID, "阶段二", 2, true, false)
	s3 := store.seedStage(pipelineID, "阶段三", 3, true, false)

	stages, err := svc.ReorderStages(ctx, pipelineID, []primitive.ObjectID{s3, s1, s2})
	require.NoError(t, err)
	require.Len(t, stages, 3)

	assert.Equal(t, s3, stages[0].ID)
	assert.Equal(t, s1, stages[1].ID)
	assert.Equal(t, s2, stages[2].ID)
	assert.Equal(t, 1, stages[0].Position)
	assert.Equal(t, 2, stages[1].Position)
	assert.Equal(t, 3, stages[2].Position)
}

func TestReorderStagesAppendsOmitted(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	s1 := store.seedStage(pipelineID, "阶段一", 1, true, false)
	s2 := store.seedStage(pipelineID, "阶段二", 2, true, false)
	s3 := store.seedStage(pipelineID, "阶段三", 3, true, false)

	// 只提交s3和s1，s2按原相对顺序补在后面
	stages, err := svc.ReorderStages(ctx, pipelineID, []primitive.ObjectID{s3, s1})
	require.NoError(t, err)
	require.Len(t, stages, 3)

	assert.Equal(t, s3, stages[0].ID)
	assert.Equal(t, s1, stages[1].ID)
	assert.Equal(t, s2, stages[2].ID)
	assert.Equal(t, 3, stages[2].Position)
}

func TestReorderStagesIgnoresForeignIDs(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	otherID := store.seedPipeline("其他管道", false, true)
	s1 := store.seedStage(pipelineID, "阶段一", 1, true, false)
	foreign := store.seedStage(otherID, "别家阶段", 1, true, false)

	stages, err := svc.ReorderStages(ctx, pipelineID, []primitive.ObjectID{foreign, s1})
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, s1, stages[0].ID)
	assert.Equal(t, 1, stages[0].Position)
}

func TestGetStageStats(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	negotiation := store.seedStage(pipelineID, "商务谈判", 1, true, false)
	_ = store.seedStage(pipelineID, "方案报价", 2, true, false)

	store.seedDeal(pipelineID, negotiation, "商务谈判", 100)
	store.seedDeal(pipelineID, negotiation, "商务谈判", 250)

	stats, err := svc.GetStageStats(ctx, pipelineID)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "商务谈判", stats[0].Stage)
	assert.Equal(t, int64(2), stats[0].DealCount)
	assert.Equal(t, 350.0, stats[0].TotalValue)

	// 无交易的阶段计数与金额归零，而不是缺项
	assert.Equal(t, "方案报价", stats[1].Stage)
	assert.Equal(t, int64(0), stats[1].DealCount)
	assert.Equal(t, 0.0, stats[1].TotalValue)
}

func TestGetStageStatsJoinsByStageID(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pipelineID := store.seedPipeline("默认销售管道", false, true)
	stageID := store.seedStage(pipelineID, "商务谈判", 1, true, false)
	store.seedDeal(pipelineID, stageID, "商务谈判", 500)

	// 重命名阶段后历史交易仍归属该阶段
	newName := "合同谈判"
	_, err := svc.UpdateStage(ctx, stageID, models.StageUpdateRequest{Name: &newName})
	require.NoError(t, err)

	stats, err := svc.GetStageStats(ctx, pipelineID)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "合同谈判", stats[0].Stage)
	assert.Equal(t, int64(1), stats[0].DealCount)
	assert.Equal(t, 500.0, stats[0].TotalValue)
}
