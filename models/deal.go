package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Deal 交易记录
// deals集合由商机模块维护，本模块只读，用于阶段统计
// 统计以stageId关联，stage名称仅作展示冗余，重命名阶段不影响历史归属
type Deal struct {
	ID         primitive.ObjectID `json:"_id,omitempty" bson:"_id,omitempty"`
	Title      string             `json:"title" bson:"title"`
	Stage      string             `json:"stage" bson:"stage"`
	StageID    primitive.ObjectID `json:"stageId" bson:"stageId"`
	PipelineID primitive.ObjectID `json:"pipelineId" bson:"pipelineId"`
	Value      float64            `json:"value" bson:"value"`
	CreatedAt  time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt" bson:"updatedAt"`
}
