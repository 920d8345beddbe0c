package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StageType 阶段类型枚举
type StageType string

const (
	StageTypeOpen StageType = "open" // 进行中
	StageTypeWon  StageType = "won"  // 赢单
	StageTypeLost StageType = "lost" // 输单
)

// 新建阶段的默认值
const (
	DefaultStageColor       = "#3B82F6"
	DefaultStageProbability = 50
)

// SalesPipeline 销售管道
type SalesPipeline struct {
	ID          primitive.ObjectID `json:"_id,omitempty" bson:"_id,omitempty"`
	Name        string             `json:"name" bson:"name"`
	Description string             `json:"description,omitempty" bson:"description,omitempty"`
	IsDefault   bool               `json:"isDefault" bson:"isDefault"`
	IsActive    bool               `json:"isActive" bson:"isActive"`
	CreatedAt   time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt" bson:"updatedAt"`

	// 阶段列表在查询时填充，不直接落库
	Stages []CustomDealStage `json:"stages" bson:"-"`
}

// CustomDealStage 自定义交易阶段
type CustomDealStage struct {
	ID                 primitive.ObjectID `json:"_id,omitempty" bson:"_id,omitempty"`
	Name               string             `json:"name" bson:"name"`
	Color              string             `json:"color" bson:"color"`
	Position           int                `json:"position" bson:"position"`
	DefaultProbability int                `json:"defaultProbability" bson:"defaultProbability"`
	IsActive           bool               `json:"isActive" bson:"isActive"`
	IsSystem           bool               `json:"isSystem" bson:"isSystem"`
	PipelineID         primitive.ObjectID `json:"pipelineId" bson:"pipelineId"`
	RequiredFields     []string           `json:"requiredFields" bson:"requiredFields"`
	AutoMoveAfterDays  *int               `json:"autoMoveAfterDays,omitempty" bson:"autoMoveAfterDays,omitempty"`
	StageType          StageType          `json:"stageType" bson:"stageType"`
	CreatedAt          time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// PipelineCreateRequest 创建销售管道请求
type PipelineCreateRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	IsDefault   bool   `json:"isDefault"`
}

// PipelineUpdateRequest 更新销售管道请求（部分更新，isActive不可直接修改）
type PipelineUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsDefault   *bool   `json:"isDefault"`
}

// StageCreateRequest 创建阶段请求
// pipelineId必填：缺少管道引用的请求直接拒绝，不再回落到默认管道
type StageCreateRequest struct {
	Name               string    `json:"name" binding:"required"`
	Color              string    `json:"color"`
	DefaultProbability *int      `json:"defaultProbability" binding:"omitempty,min=0,max=100"`
	PipelineID         string    `json:"pipelineId" binding:"required"`
	RequiredFields     []string  `json:"requiredFields"`
	AutoMoveAfterDays  *int      `json:"autoMoveAfterDays"`
	StageType          StageType `json:"stageType" binding:"omitempty,oneof=open won lost"`
}

// StageUpdateRequest 更新阶段请求（部分更新）
// 系统阶段的请求体中只要出现name字段即拒绝，与新旧值是否相同无关
type StageUpdateRequest struct {
	Name               *string    `json:"name"`
	Color              *string    `json:"color"`
	DefaultProbability *int       `json:"defaultProbability" binding:"omitempty,min=0,max=100"`
	RequiredFields     *[]string  `json:"requiredFields"`
	AutoMoveAfterDays  *int       `json:"autoMoveAfterDays"`
	StageType          *StageType `json:"stageType" binding:"omitempty,oneof=open won lost"`
}

// StageOrder 带位置的阶段排序项
type StageOrder struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// ReorderStagesRequest 阶段重排序请求
// 支持两种请求体：显式的stageIds数组，或stageOrders数组
type ReorderStagesRequest struct {
	StageIDs    []string     `json:"stageIds"`
	StageOrders []StageOrder `json:"stageOrders"`
}

// OrderedIDs 归一化为阶段ID列表
// stageOrders按数组顺序取id，忽略其中携带的position值
func (r *ReorderStagesRequest) OrderedIDs() []string {
	if len(r.StageIDs) > 0 {
		return r.StageIDs
	}
	ids := make([]string, 0, len(r.StageOrders))
	for _, order := range r.StageOrders {
		ids = append(ids, order.ID)
	}
	return ids
}

// StageStats 单个阶段的交易统计
type StageStats struct {
	StageID    primitive.ObjectID `json:"stageId"`
	Stage      string             `json:"stage"`
	DealCount  int64              `json:"dealCount"`
	TotalValue float64            `json:"totalValue"`
}
