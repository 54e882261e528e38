package models

import "time"

// SequenceCounter is the persisted "next sequence number" for one entity type
// and reset period. The _id is "entityType:periodToken" so a single atomic
// find-and-increment serializes concurrent allocators across process
// instances; the counter is never modeled as in-process state.
type SequenceCounter struct {
	ID         string    `bson:"_id" json:"id"`
	EntityType string    `bson:"entity_type" json:"entity_type"`
	Period     string    `bson:"period" json:"period"`
	Seq        int64     `bson:"seq" json:"seq"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}
