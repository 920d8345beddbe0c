package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BerniceZTT/crm_pipeline/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memoryStore PipelineStore的内存实现，仅用于测试
// 与Mongo实现保持相同语义：(pipelineId, position)唯一
type memoryStore struct {
	mu            sync.Mutex
	pipelineOrder []primitive.ObjectID
	pipelines     map[primitive.ObjectID]models.SalesPipeline
	stages        map[primitive.ObjectID]models.CustomDealStage
	deals         []models.Deal
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		pipelines: make(map[primitive.ObjectID]models.SalesPipeline),
		stages:    make(map[primitive.ObjectID]models.CustomDealStage),
	}
}

func (m *memoryStore) ListPipelines(_ context.Context, onlyActive bool) ([]models.SalesPipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := []models.SalesPipeline{}
	for _, id := range m.pipelineOrder {
		pipeline := m.pipelines[id]
		if onlyActive && !pipeline.IsActive {
			continue
		}
		result = append(result, pipeline)
	}
	return result, nil
}

func (m *memoryStore) GetPipeline(_ context.Context, id primitive.ObjectID) (*models.SalesPipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pipeline, ok := m.pipelines[id]
	if !ok {
		return nil, nil
	}
	return &pipeline, nil
}

func (m *memoryStore) InsertPipeline(_ context.Context, pipeline *models.SalesPipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pipeline.ID = primitive.NewObjectID()
	m.pipelines[pipeline.ID] = *pipeline
	m.pipelineOrder = append(m.pipelineOrder, pipeline.ID)
	return nil
}

func (m *memoryStore) SavePipeline(_ context.Context, pipeline *models.SalesPipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pipelines[pipeline.ID] = *pipeline
	return nil
}

func (m *memoryStore) ListStages(_ context.Context, pipelineID primitive.ObjectID, onlyActive bool) ([]models.CustomDealStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := []models.CustomDealStage{}
	for _, stage := range m.stages {
		if stage.PipelineID != pipelineID {
			continue
		}
		if onlyActive && !stage.IsActive {
			continue
		}
		result = append(result, stage)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result, nil
}

func (m *memoryStore) GetStage(_ context.Context, id primitive.ObjectID) (*models.CustomDealStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stage, ok := m.stages[id]
	if !ok {
		return nil, nil
	}
	return &stage, nil
}

func (m *memoryStore) MaxStagePosition(_ context.Context, pipelineID primitive.ObjectID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := 0
	for _, stage := range m.stages {
		if stage.PipelineID == pipelineID && stage.Position > max {
			max = stage.Position
		}
	}
	return max, nil
}

func (m *memoryStore) InsertStage(_ context.Context, stage *models.CustomDealStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.stages {
		if existing.PipelineID == stage.PipelineID && existing.Position == stage.Position {
			return ErrPositionConflict
		}
	}

	stage.ID = primitive.NewObjectID()
	m.stages[stage.ID] = *stage
	return nil
}

func (m *memoryStore) SaveStage(_ context.Context, stage *models.CustomDealStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stages[stage.ID] = *stage
	return nil
}

func (m *memoryStore) DeactivateStagesByPipeline(_ context.Context, pipelineID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, stage := range m.stages {
		if stage.PipelineID == pipelineID && stage.IsActive {
			stage.IsActive = false
			m.stages[id] = stage
		}
	}
	return nil
}

func (m *memoryStore) ApplyStageOrder(_ context.Context, pipelineID primitive.ObjectID, orderedIDs []primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for index, id := range orderedIDs {
		stage, ok := m.stages[id]
		if !ok || stage.PipelineID != pipelineID {
			continue
		}
		stage.Position = index + 1
		m.stages[id] = stage
	}
	return nil
}

func (m *memoryStore) StageDealStats(_ context.Context, pipelineID, stageID primitive.ObjectID) (int64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	var total float64
	for _, deal := range m.deals {
		if deal.PipelineID == pipelineID && deal.StageID == stageID {
			count++
			total += deal.Value
		}
	}
	return count, total, nil
}

// seedPipeline 直接写入一条管道记录
func (m *memoryStore) seedPipeline(name string, isDefault, isActive bool) primitive.ObjectID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := primitive.NewObjectID()
	now := time.Now()
	m.pipelines[id] = models.SalesPipeline{
		ID:        id,
		Name:      name,
		IsDefault: isDefault,
		IsActive:  isActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.pipelineOrder = append(m.pipelineOrder, id)
	return id
}

// seedStage 直接写入一条阶段记录
func (m *memoryStore) seedStage(pipelineID primitive.ObjectID, name string, position int, isActive, isSystem bool) primitive.ObjectID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := primitive.NewObjectID()
	now := time.Now()
	m.stages[id] = models.CustomDealStage{
		ID:                 id,
		Name:               name,
		Color:              models.DefaultStageColor,
		Position:           position,
		DefaultProbability: models.DefaultStageProbability,
		IsActive:           isActive,
		IsSystem:           isSystem,
		PipelineID:         pipelineID,
		RequiredFields:     []string{},
		StageType:          models.StageTypeOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return id
}

// seedDeal 直接写入一条交易记录
func (m *memoryStore) seedDeal(pipelineID, stageID primitive.ObjectID, stage string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deals = append(m.deals, models.Deal{
		ID:         primitive.NewObjectID(),
		Stage:      stage,
		StageID:    stageID,
		PipelineID: pipelineID,
		Value:      value,
	})
}
