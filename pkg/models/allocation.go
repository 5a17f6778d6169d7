package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AllocationEvent is one committed allocation, recorded for auditing.
type AllocationEvent struct {
	bun.BaseModel `bun:"table:allocation_events,alias:ae"`

	ID          string `bun:",pk"`
	RowIndex    int    `bun:",notnull"`
	Proxy       string `bun:",notnull"` // host:port, no credentials
	Region      string
	Purpose     string    `bun:",notnull"`
	RequesterID string    `bun:",notnull"`
	TakenAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
