package storage

import (
	"context"
	"time"

	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/storage/sqlite"
	"github.com/steveyegge/dedup/internal/types"
)

// Storage defines the interface for the duplicate group store
type Storage interface {
	// Dedup configs
	CreateConfig(ctx context.Context, cfg *types.DeduplicationConfig) error
	UpdateConfig(ctx context.Context, cfg *types.DeduplicationConfig) (int, error)
	DeleteConfig(ctx context.Context, id int64) error
	GetConfig(ctx context.Context, id int64) (*types.DeduplicationConfig, error)
	GetConfigByName(ctx context.Context, name string) (*types.DeduplicationConfig, error)
	ListConfigs(ctx context.Context, activeOnly bool) ([]*types.DeduplicationConfig, error)
	SetLastNotification(ctx context.Context, id int64, at time.Time) error

	// Duplicate groups
	ActiveGroups(ctx context.Context, configID int64) ([]*types.DuplicateGroup, error)
	BeginBatch(ctx context.Context) (*sqlite.GroupBatch, error)
	GetGroup(ctx context.Context, id int64) (*types.DuplicateGroup, error)
	ListGroups(ctx context.Context, filter types.GroupFilter) ([]*types.DuplicateGroup, int, error)
	CountGroupsCreatedSince(ctx context.Context, configID int64, since *time.Time) (int, error)
	SetGroupMaster(ctx context.Context, groupID, targetID int64) error
	SetRecordDiscarded(ctx context.Context, groupID, targetID int64, discarded bool) error
	DeleteGroup(ctx context.Context, id int64) error
	PruneMembers(ctx context.Context, configID int64, candidates []int64) (int, int, error)

	// Discarded sets - operator decisions later runs leave alone
	DiscardGroup(ctx context.Context, id int64) ([]int64, error)
	DiscardedSets(ctx context.Context, configID int64) ([][]int64, error)
	ClearDiscardedSets(ctx context.Context, configID int64) (int, error)

	// Events - audit trail of runs, merges and operator decisions
	StoreEvent(ctx context.Context, event *events.Event) error
	GetEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error)
	GetRecentEvents(ctx context.Context, limit int) ([]*events.Event, error)

	// Event Cleanup - retention policy enforcement
	CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error)
	CleanupEventsByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error)
	GetEventCounts(ctx context.Context) (*sqlite.EventCounts, error)
	VacuumDatabase(ctx context.Context) error

	// Statistics
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Path() string
	Close() error
}

var (
	ErrNotFound        = sqlite.ErrNotFound
	ErrGroupNotFound   = sqlite.ErrGroupNotFound
	ErrDuplicateName   = sqlite.ErrDuplicateName
	ErrNotMember       = sqlite.ErrNotMember
	ErrRecordDiscarded = sqlite.ErrRecordDiscarded
	ErrMasterDiscard   = sqlite.ErrMasterDiscard
)

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".dedup/dedup.db"
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: ".dedup/dedup.db",
	}
}

// NewStorage creates a new SQLite storage backend
// The ctx parameter is currently unused but kept for API consistency
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}

	return sqlite.New(cfg.Path)
}

var _ events.EventStore = (Storage)(nil)
