package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/BerniceZTT/crm_pipeline/models"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	// 集合名
	SalesPipelinesCollection   = "sales_pipelines"
	CustomDealStagesCollection = "custom_deal_stages"
	DealsCollection            = "deals"
	ApiOperationLogsCollection = "apiOperationLogs"
)

var (
	client *mongo.Client
	db     *mongo.Database
	ctx    = context.Background()
)

// InitMongoDB 初始化MongoDB连接
func InitMongoDB(uri, dbName string) error {
	// 设置连接超时
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// 创建客户端
	var err error
	clientOptions := options.Client().ApplyURI(uri)
	client, err = mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return fmt.Errorf("连接MongoDB失败: %w", err)
	}

	// 检查连接
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping MongoDB失败: %w", err)
	}

	// 选择数据库
	db = client.Database(dbName)
	utils.Logger.Info().Str("database", dbName).Msg("已连接到MongoDB")

	return nil
}

// CloseMongoDB 关闭MongoDB连接
func CloseMongoDB() {
	if client != nil {
		if err := client.Disconnect(ctx); err != nil {
			utils.Logger.Error().Err(err).Msg("断开MongoDB连接失败")
			return
		}
		utils.Logger.Info().Msg("已断开MongoDB连接")
	}
}

// Collection 获取集合
func Collection(name string) *mongo.Collection {
	return db.Collection(name)
}

// InitializeCollections 初始化数据库集合和索引
func InitializeCollections() error {
	collections := []string{
		SalesPipelinesCollection,
		CustomDealStagesCollection,
		ApiOperationLogsCollection,
	}

	for _, collName := range collections {
		// 检查集合是否存在
		collExists, err := CollectionExists(collName)
		if err != nil {
			return fmt.Errorf("检查集合失败: %w", err)
		}

		// 如果不存在则创建
		if !collExists {
			if err := db.CreateCollection(ctx, collName); err != nil {
				return fmt.Errorf("创建集合失败: %w", err)
			}
			utils.Logger.Info().Str("collection", collName).Msg("创建集合成功")
		}
	}

	return createIndexes()
}

// createIndexes 创建索引
// (pipelineId, position)唯一索引保证同一管道内位置不重复，
// 并发创建阶段时由写入冲突触发位置重算
func createIndexes() error {
	stages := db.Collection(CustomDealStagesCollection)
	_, err := stages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pipelineId", Value: 1}, {Key: "position", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_pipeline_position"),
		},
		{
			Keys:    bson.D{{Key: "pipelineId", Value: 1}, {Key: "isActive", Value: 1}},
			Options: options.Index().SetName("idx_pipeline_active"),
		},
	})
	if err != nil {
		return fmt.Errorf("创建阶段索引失败: %w", err)
	}

	deals := db.Collection(DealsCollection)
	_, err = deals.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pipelineId", Value: 1}, {Key: "stageId", Value: 1}},
		Options: options.Index().SetName("idx_pipeline_stage"),
	})
	if err != nil {
		return fmt.Errorf("创建交易索引失败: %w", err)
	}

	return nil
}

// CollectionExists 检查集合是否存在
func CollectionExists(collName string) (bool, error) {
	collections, err := db.ListCollectionNames(ctx, bson.M{"name": collName})
	if err != nil {
		return false, err
	}

	for _, name := range collections {
		if name == collName {
			return true, nil
		}
	}

	return false, nil
}

// InitializeDefaultPipeline 初始化默认销售管道
// 系统首次启动时创建默认管道及其系统阶段（赢单/输单不可删除、不可重命名）
func InitializeDefaultPipeline() error {
	pipelines := db.Collection(SalesPipelinesCollection)

	count, err := pipelines.CountDocuments(ctx, bson.M{"isDefault": true})
	if err != nil {
		return fmt.Errorf("检查默认管道失败: %w", err)
	}

	// 如果已存在，则不创建
	if count > 0 {
		utils.Logger.Info().Msg("默认销售管道已存在，跳过创建")
		return nil
	}

	now := time.Now()
	pipeline := models.SalesPipeline{
		Name:        "默认销售管道",
		Description: "系统内置的标准销售流程",
		IsDefault:   true,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	result, err := pipelines.InsertOne(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("创建默认管道失败: %w", err)
	}
	pipelineID := result.InsertedID.(primitive.ObjectID)

	seed := []struct {
		name        string
		probability int
		stageType   models.StageType
		isSystem    bool
	}{
		{"初步接触", 10, models.StageTypeOpen, false},
		{"需求确认", 30, models.StageTypeOpen, false},
		{"方案报价", 60, models.StageTypeOpen, false},
		{"商务谈判", 80, models.StageTypeOpen, false},
		{"赢单", 100, models.StageTypeWon, true},
		{"输单", 0, models.StageTypeLost, true},
	}

	stages := db.Collection(CustomDealStagesCollection)
	docs := make([]interface{}, 0, len(seed))
	for i, s := range seed {
		docs = append(docs, models.CustomDealStage{
			Name:               s.name,
			Color:              models.DefaultStageColor,
			Position:           i + 1,
			DefaultProbability: s.probability,
			IsActive:           true,
			IsSystem:           s.isSystem,
			PipelineID:         pipelineID,
			RequiredFields:     []string{},
			StageType:          s.stageType,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}

	if _, err := stages.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("创建默认阶段失败: %w", err)
	}

	utils.Logger.Info().Str("pipelineId", pipelineID.Hex()).Msg("默认销售管道初始化完成")
	return nil
}

// GetDatabaseStatus 获取数据库状态
func GetDatabaseStatus() (map[string]interface{}, error) {
	collections := []string{
		SalesPipelinesCollection,
		CustomDealStagesCollection,
		DealsCollection,
		ApiOperationLogsCollection,
	}

	result := make(map[string]interface{})

	for _, collName := range collections {
		coll := db.Collection(collName)
		count, err := coll.CountDocuments(ctx, bson.M{})
		if err != nil {
			utils.Logger.Error().Err(err).Str("collection", collName).Msg("获取集合计数失败")
			result[collName] = map[string]interface{}{
				"count": 0,
				"error": err.Error(),
			}
		} else {
			result[collName] = map[string]interface{}{
				"count": count,
			}
		}
	}

	return result, nil
}
