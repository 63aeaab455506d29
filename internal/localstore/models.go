package localstore

// ActionStatus tracks a queued mutation through its lifecycle.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionInFlight  ActionStatus = "in_flight"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Operation enumerates the mutation kinds carried by a sync action.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// SyncAction is one durable pending mutation. The autoincrement id doubles as
// the monotonic ordering key within a priority band.
type SyncAction struct {
	ID                 int64        `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType         string       `gorm:"column:entity_type;size:64;not null;index:idx_actions_entity,priority:1"`
	EntityID           string       `gorm:"column:entity_id;size:190;not null;index:idx_actions_entity,priority:2"`
	Operation          Operation    `gorm:"column:op;size:16;not null"`
	PayloadJSON        string       `gorm:"column:payload_json;type:text;not null"`
	BasePayloadJSON    string       `gorm:"column:base_payload_json;type:text;not null;default:''"`
	BaseVersion        int64        `gorm:"column:base_version;not null;default:0"`
	EnqueuedAtSeconds  int64        `gorm:"column:enqueued_at_s;not null;index:idx_actions_order,priority:2"`
	Status             ActionStatus `gorm:"column:status;size:16;not null;index"`
	Attempts           int          `gorm:"column:attempts;not null;default:0"`
	Priority           int          `gorm:"column:priority;not null;default:0;index:idx_actions_order,priority:1"`
	NextAttemptSeconds int64        `gorm:"column:next_attempt_s;not null;default:0"`
	LastError          string       `gorm:"column:last_error;type:text;not null;default:''"`
	OwnerUserID        string       `gorm:"column:owner_user_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncAction) TableName() string {
	return "sync_actions"
}

// Terminal reports whether the action has reached a final state.
func (a SyncAction) Terminal() bool {
	return a.Status == ActionCompleted || a.Status == ActionFailed
}

// ConflictStatus tracks whether a detected divergence has been settled.
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

// Resolution names the strategy that settled a conflict.
type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionClientWins Resolution = "client_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

// ConflictRecord captures a divergence between a queued mutation's assumed
// base state and the remote store's current state.
type ConflictRecord struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType        string         `gorm:"column:entity_type;size:64;not null;index:idx_conflicts_entity,priority:1"`
	EntityID          string         `gorm:"column:entity_id;size:190;not null;index:idx_conflicts_entity,priority:2"`
	LocalPayloadJSON  string         `gorm:"column:local_payload_json;type:text;not null"`
	BasePayloadJSON   string         `gorm:"column:base_payload_json;type:text;not null;default:''"`
	RemotePayloadJSON string         `gorm:"column:remote_payload_json;type:text;not null"`
	LocalBaseVersion  int64          `gorm:"column:local_base_version;not null"`
	RemoteVersion     int64          `gorm:"column:remote_version;not null"`
	DetectedAtSeconds int64          `gorm:"column:detected_at_s;not null"`
	Status            ConflictStatus `gorm:"column:status;size:16;not null;index"`
	Resolution        Resolution     `gorm:"column:resolution;size:16;not null;default:''"`
	ResolvedAtSeconds int64          `gorm:"column:resolved_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRecord) TableName() string {
	return "sync_conflicts"
}

// SyncMetadata bounds incremental pulls, one row per entity type.
type SyncMetadata struct {
	EntityType      string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	LastSyncSeconds int64  `gorm:"column:last_sync_s;not null;default:0"`
	Cursor          string `gorm:"column:cursor;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// CachedEntity is the passthrough cache row for one business entity. The
// cache mirrors the remote document last seen (or optimistically applied)
// by this client.
type CachedEntity struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index"`
	Deleted          bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (CachedEntity) TableName() string {
	return "entity_cache"
}
