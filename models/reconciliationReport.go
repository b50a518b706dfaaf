package models

import "time"

const (
	FindingGatewayOnly = "gateway_only"
	FindingStoreOnly   = "store_only"
	FindingConflict    = "conflict"
	FindingUnresolved  = "unresolved"
)

// ReconciliationFinding is one unmatched or suspicious order found by a run.
type ReconciliationFinding struct {
	ID            uint      `gorm:"primary_key" json:"-"`
	RunId         string    `gorm:"size:36;index;not null" json:"run_id"`
	Kind          string    `gorm:"size:20;index;not null" json:"kind"`
	OrderId       string    `gorm:"size:128;index;not null" json:"order_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
