// Package domain contains the persistence model that makes CAS settlement
// file processing idempotent.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CASSettlement is one received CAS settlement file. A row with non-null
// ProcessedOn means the file's effects are already applied; re-delivery is a
// no-op.
type CASSettlement struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	FileName    string       `gorm:"type:text;not null;uniqueIndex"`
	Location    string       `gorm:"type:text;not null"`
	ReceivedOn  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ProcessedOn *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (CASSettlement) TableName() string { return "cas_settlements" }
