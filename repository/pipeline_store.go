package repository

import (
	"context"

	"github.com/BerniceZTT/crm_pipeline/models"
	"github.com/BerniceZTT/crm_pipeline/service"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// 两阶段重排序时的临时位置偏移，需大于任何真实管道的阶段数
const reorderOffset = 100000

// PipelineStore service.PipelineStore的MongoDB实现
type PipelineStore struct{}

// NewPipelineStore 创建MongoDB管道存储
func NewPipelineStore() *PipelineStore {
	return &PipelineStore{}
}

var _ service.PipelineStore = (*PipelineStore)(nil)

// ListPipelines 按创建顺序返回管道
func (s *PipelineStore) ListPipelines(ctx context.Context, onlyActive bool) ([]models.SalesPipeline, error) {
	filter := bson.M{}
	if onlyActive {
		filter["isActive"] = true
	}

	findOptions := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := Collection(SalesPipelinesCollection).Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	pipelines := []models.SalesPipeline{}
	if err := cursor.All(ctx, &pipelines); err != nil {
		return nil, err
	}

	return pipelines, nil
}

// GetPipeline 按ID查询管道，不存在时返回(nil, nil)
func (s *PipelineStore) GetPipeline(ctx context.Context, id primitive.ObjectID) (*models.SalesPipeline, error) {
	var pipeline models.SalesPipeline
	err := Collection(SalesPipelinesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&pipeline)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// InsertPipeline 写入新管道并回填ID
func (s *PipelineStore) InsertPipeline(ctx context.Context, pipeline *models.SalesPipeline) error {
	result, err := Collection(SalesPipelinesCollection).InsertOne(ctx, pipeline)
	if err != nil {
		return err
	}
	pipeline.ID = result.InsertedID.(primitive.ObjectID)

	utils.LogDbOperation("insert", SalesPipelinesCollection, pipeline.Name, pipeline.ID.Hex())
	return nil
}

// SavePipeline 整体保存管道
func (s *PipelineStore) SavePipeline(ctx context.Context, pipeline *models.SalesPipeline) error {
	_, err := Collection(SalesPipelinesCollection).ReplaceOne(ctx, bson.M{"_id": pipeline.ID}, pipeline)
	return err
}

// ListStages 按position升序返回管道下的阶段
func (s *PipelineStore) ListStages(ctx context.Context, pipelineID primitive.ObjectID, onlyActive bool) ([]models.CustomDealStage, error) {
	filter := bson.M{"pipelineId": pipelineID}
	if onlyActive {
		filter["isActive"] = true
	}

	findOptions := options.Find().SetSort(bson.D{{Key: "position", Value: 1}})
	cursor, err := Collection(CustomDealStagesCollection).Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	stages := []models.CustomDealStage{}
	if err := cursor.All(ctx, &stages); err != nil {
		return nil, err
	}

	return stages, nil
}

// GetStage 按ID查询阶段，不存在时返回(nil, nil)
func (s *PipelineStore) GetStage(ctx context.Context, id primitive.ObjectID) (*models.CustomDealStage, error) {
	var stage models.CustomDealStage
	err := Collection(CustomDealStagesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&stage)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

// MaxStagePosition 返回管道下所有阶段的最大position
// 不过滤isActive：已停用阶段仍占据位置，避免新阶段与其冲突
func (s *PipelineStore) MaxStagePosition(ctx context.Context, pipelineID primitive.ObjectID) (int, error) {
	findOptions := options.FindOne().SetSort(bson.D{{Key: "position", Value: -1}})

	var stage models.CustomDealStage
	err := Collection(CustomDealStagesCollection).
		FindOne(ctx, bson.M{"pipelineId": pipelineID}, findOptions).
		Decode(&stage)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return stage.Position, nil
}

// InsertStage 写入新阶段并回填ID，唯一索引冲突转换为ErrPositionConflict
func (s *PipelineStore) InsertStage(ctx context.Context, stage *models.CustomDealStage) error {
	result, err := Collection(CustomDealStagesCollection).InsertOne(ctx, stage)
	if mongo.IsDuplicateKeyError(err) {
		return service.ErrPositionConflict
	}
	if err != nil {
		return err
	}
	stage.ID = result.InsertedID.(primitive.ObjectID)

	utils.LogDbOperation("insert", CustomDealStagesCollection, stage.Name, stage.ID.Hex())
	return nil
}

// SaveStage 整体保存阶段
func (s *PipelineStore) SaveStage(ctx context.Context, stage *models.CustomDealStage) error {
	_, err := Collection(CustomDealStagesCollection).ReplaceOne(ctx, bson.M{"_id": stage.ID}, stage)
	return err
}

// DeactivateStagesByPipeline 批量停用管道下的全部活跃阶段
func (s *PipelineStore) DeactivateStagesByPipeline(ctx context.Context, pipelineID primitive.ObjectID) error {
	_, err := Collection(CustomDealStagesCollection).UpdateMany(
		ctx,
		bson.M{"pipelineId": pipelineID, "isActive": true},
		bson.M{"$set": bson.M{"isActive": false}},
	)
	return err
}

// ApplyStageOrder 按给定顺序重写阶段位置
// 单次有序BulkWrite分两阶段执行：先把所有阶段挪到临时高位区，
// 再落到最终位置1..n，过程中不会触碰(pipelineId, position)唯一索引。
// 服务端中途失败时部分阶段会停留在高位区，位置依然唯一，
// 重新提交一次重排即可全部归位
func (s *PipelineStore) ApplyStageOrder(ctx context.Context, pipelineID primitive.ObjectID, orderedIDs []primitive.ObjectID) error {
	writes := make([]mongo.WriteModel, 0, len(orderedIDs)*2)

	for index, id := range orderedIDs {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id, "pipelineId": pipelineID}).
			SetUpdate(bson.M{"$set": bson.M{"position": reorderOffset + index + 1}}))
	}
	for index, id := range orderedIDs {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id, "pipelineId": pipelineID}).
			SetUpdate(bson.M{"$set": bson.M{"position": index + 1}}))
	}

	_, err := Collection(CustomDealStagesCollection).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	return err
}

// StageDealStats 统计指定阶段下的交易数量与金额合计
// 以stageId关联：阶段重命名不影响历史交易归属
func (s *PipelineStore) StageDealStats(ctx context.Context, pipelineID, stageID primitive.ObjectID) (int64, float64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"pipelineId": pipelineID, "stageId": stageID}}},
		{{Key: "$group", Value: bson.M{
			"_id":        nil,
			"dealCount":  bson.M{"$sum": 1},
			"totalValue": bson.M{"$sum": "$value"},
		}}},
	}

	cursor, err := Collection(DealsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, 0, err
	}
	defer cursor.Close(ctx)

	var results []struct {
		DealCount  int64   `bson:"dealCount"`
		TotalValue float64 `bson:"totalValue"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, 0, err
	}

	// 没有匹配交易时聚合无输出，计数与金额都归零
	if len(results) == 0 {
		return 0, 0, nil
	}

	return results[0].DealCount, results[0].TotalValue, nil
}
