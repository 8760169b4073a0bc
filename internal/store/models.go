package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable item of one supermarket, identified by its canonical URL.
// Products are never deleted; a product missing from the sitemap is deactivated.
type Product struct {
	ID            uint                `gorm:"primaryKey"`
	Supermarket   string              `gorm:"size:64;not null;uniqueIndex:ux_products_identity,priority:1"`
	URL           string              `gorm:"size:1024;not null;uniqueIndex:ux_products_identity,priority:2"`
	ExternalID    string              `gorm:"size:128;index"`
	Name          string              `gorm:"size:512"`
	Brand         string              `gorm:"size:256"`
	Category      string              `gorm:"size:256"`
	LastPrice     decimal.NullDecimal `gorm:"type:numeric(12,4)"`
	Currency      string              `gorm:"size:3"`
	UnitPrice     decimal.NullDecimal `gorm:"type:numeric(12,4)"`
	UnitPriceUnit string              `gorm:"size:32"`
	Available     bool
	LastScannedAt *time.Time
	FailureCount  int  `gorm:"not null;default:0"`
	Active        bool `gorm:"not null;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Product) TableName() string { return "products" }

// PriceHistory is one SCD Type 2 version of a product's price. The row with
// a nil ValidTo is the current price.
type PriceHistory struct {
	ID            uint                `gorm:"primaryKey"`
	ProductID     uint                `gorm:"not null;index:ix_price_history_product_from,priority:1"`
	Price         decimal.Decimal     `gorm:"type:numeric(12,4);not null"`
	Currency      string              `gorm:"size:3;not null"`
	UnitPrice     decimal.NullDecimal `gorm:"type:numeric(12,4)"`
	UnitPriceUnit string              `gorm:"size:32"`
	ValidFrom     time.Time           `gorm:"not null;index:ix_price_history_product_from,priority:2"`
	ValidTo       *time.Time
	CreatedAt     time.Time
}

func (PriceHistory) TableName() string { return "product_price_history" }

// QueueState is the lifecycle state of a scan queue item
type QueueState string

const (
	StatePending    QueueState = "pending"
	StateScheduled  QueueState = "scheduled"
	StateInProgress QueueState = "in_progress"
	StateDone       QueueState = "done"
	StateFailed     QueueState = "failed"
	StateRetired    QueueState = "retired"
)

// AllStates lists the queue states in lifecycle order
var AllStates = []QueueState{StatePending, StateScheduled, StateInProgress, StateDone, StateFailed, StateRetired}

// ScanQueueItem tracks when a product is next eligible for scraping
type ScanQueueItem struct {
	ID                  uint       `gorm:"primaryKey"`
	ProductID           uint       `gorm:"not null;uniqueIndex"`
	Supermarket         string     `gorm:"size:64;not null;index:ix_scan_queue_claim,priority:1"`
	State               QueueState `gorm:"size:16;not null;index:ix_scan_queue_claim,priority:2"`
	NextEligibleAt      time.Time  `gorm:"not null;index:ix_scan_queue_claim,priority:3"`
	ConsecutiveFailures int        `gorm:"not null;default:0"`
	LastAttemptAt       *time.Time
	ClaimedAt           *time.Time
	ClaimToken          string `gorm:"size:36"`
	LastError           string `gorm:"size:1024"`
	ScanCount           int    `gorm:"not null;default:0"`
	UpdatedAt           time.Time
}

func (ScanQueueItem) TableName() string { return "product_scan_queue" }

// Job names recorded in job_runs
const (
	JobRefresh = "refresh"
	JobBatch   = "batch"
)

// JobRun records the outcome of a refresh or batch run
type JobRun struct {
	ID          uint      `gorm:"primaryKey"`
	RunID       string    `gorm:"size:36;not null"`
	Supermarket string    `gorm:"size:64;not null;index:ix_job_runs_lookup,priority:1"`
	Job         string    `gorm:"size:16;not null;index:ix_job_runs_lookup,priority:2"`
	StartedAt   time.Time `gorm:"not null"`
	FinishedAt  time.Time `gorm:"not null;index:ix_job_runs_lookup,priority:3"`
	Succeeded   bool      `gorm:"not null"`
	Summary     string    `gorm:"size:1024"`
}

func (JobRun) TableName() string { return "job_runs" }
