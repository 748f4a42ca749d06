package domain

const MaxStepIndex = 10

const (
	VersionDraft      = "DRAFT"
	VersionReview     = "REVIEW"
	VersionPublished  = "PUBLISHED"
	VersionDeprecated = "DEPRECATED"
)

const (
	RunIdle      = "IDLE"
	RunRunning   = "RUNNING"
	RunHold      = "HOLD"
	RunCompleted = "COMPLETED"
	RunAborted   = "ABORTED"
	RunArchived  = "ARCHIVED"
)

const (
	StepPending    = "PENDING"
	StepInProgress = "IN_PROGRESS"
	StepCompleted  = "COMPLETED"
	StepSkipped    = "SKIPPED"
)

const (
	LotCreated    = "CREATED"
	LotQuarantine = "QUARANTINE"
	LotReleased   = "RELEASED"
	LotHold       = "HOLD"
	LotRejected   = "REJECTED"
	LotConsumed   = "CONSUMED"
	LotFinished   = "FINISHED"
)

const (
	MoveReceive  = "RECEIVE"
	MoveTransfer = "TRANSFER"
	MoveConsume  = "CONSUME"
	MoveShip     = "SHIP"
)

const (
	DecisionPass = "PASS"
	DecisionHold = "HOLD"
	DecisionFail = "FAIL"
)

const (
	MeasureSurface = "SURFACE"
	MeasureCore    = "CORE"
	MeasureAmbient = "AMBIENT"
)

const (
	RoleAdmin    = "ADMIN"
	RoleManager  = "MANAGER"
	RoleAuditor  = "AUDITOR"
	RoleOperator = "OPERATOR"
	RoleViewer   = "VIEWER"
)

const (
	NodeStart   = "start"
	NodeEnd     = "end"
	NodeProcess = "process"
	NodeQCGate  = "qc_gate"
	NodeBuffer  = "buffer"
)

// LotTypes is the stage taxonomy a lot moves through, raw intake to shipment.
var LotTypes = []string{
	"RAW", "DEB", "BULK", "MIX",
	"SKW", "SKW15", "SKW30",
	"FRZ", "FRZ15", "FRZ30",
	"FG", "FG15", "FG30",
	"PAL", "SHIP",
}

func ValidLotType(t string) bool {
	for _, lt := range LotTypes {
		if lt == t {
			return true
		}
	}
	return false
}

func ValidMoveType(t string) bool {
	switch t {
	case MoveReceive, MoveTransfer, MoveConsume, MoveShip:
		return true
	}
	return false
}

func ValidMeasurementType(t string) bool {
	switch t {
	case MeasureSurface, MeasureCore, MeasureAmbient:
		return true
	}
	return false
}

func ValidDecision(d string) bool {
	switch d {
	case DecisionPass, DecisionHold, DecisionFail:
		return true
	}
	return false
}

func ValidNodeType(t string) bool {
	switch t {
	case NodeStart, NodeEnd, NodeProcess, NodeQCGate, NodeBuffer:
		return true
	}
	return false
}

func ValidLotStatus(s string) bool {
	switch s {
	case LotCreated, LotQuarantine, LotReleased, LotHold, LotRejected, LotConsumed, LotFinished:
		return true
	}
	return false
}

func TerminalLotStatus(s string) bool {
	switch s {
	case LotRejected, LotConsumed, LotFinished:
		return true
	}
	return false
}

type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type LocalizedText struct {
	HU string `json:"hu,omitempty"`
	EN string `json:"en,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

type Node struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Label    LocalizedText `json:"label"`
	Position Position      `json:"position"`
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type Graph struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Viewport Viewport `json:"viewport"`
}

type FlowDefinition struct {
	ID          string        `json:"id"`
	Name        LocalizedText `json:"name"`
	Description string        `json:"description,omitempty"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   string        `json:"created_at"`
}

type FlowVersion struct {
	ID               string  `json:"id"`
	FlowDefinitionID string  `json:"flow_definition_id"`
	VersionNum       int     `json:"version_num"`
	Status           string  `json:"status"`
	Graph            Graph   `json:"graph"`
	ReviewedBy       *string `json:"reviewed_by,omitempty"`
	PublishedBy      *string `json:"published_by,omitempty"`
	PublishedAt      *string `json:"published_at,omitempty"`
	CreatedBy        string  `json:"created_by"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

type ProductionRun struct {
	ID               string  `json:"id"`
	Code             string  `json:"code"`
	FlowVersionID    string  `json:"flow_version_id"`
	Status           string  `json:"status"`
	CurrentStepIndex int     `json:"current_step_index"`
	IdempotencyKey   string  `json:"idempotency_key"`
	StartedBy        string  `json:"started_by"`
	CreatedAt        string  `json:"created_at"`
	StartedAt        *string `json:"started_at,omitempty"`
	EndedAt          *string `json:"ended_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

type RunStepExecution struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	StepIndex   int     `json:"step_index"`
	NodeID      string  `json:"node_id"`
	Status      string  `json:"status"`
	OperatorID  *string `json:"operator_id,omitempty"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type Lot struct {
	ID           string   `json:"id"`
	Code         string   `json:"code"`
	Type         string   `json:"type"`
	StepIndex    *int     `json:"step_index,omitempty"`
	Status       string   `json:"status"`
	WeightKG     float64  `json:"weight_kg"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	RunID        *string  `json:"run_id,omitempty"`
	OperatorID   string   `json:"operator_id"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type GenealogyEdge struct {
	ParentLotID string  `json:"parent_lot_id"`
	ChildLotID  string  `json:"child_lot_id"`
	QuantityKG  float64 `json:"quantity_kg"`
	CreatedAt   string  `json:"created_at"`
}

type GenealogyTree struct {
	Lot       Lot             `json:"lot"`
	Direction string          `json:"direction"`
	Depth     int             `json:"depth"`
	Nodes     []Lot           `json:"nodes"`
	Links     []GenealogyEdge `json:"links"`
}

type Buffer struct {
	ID              string   `json:"id"`
	Code            string   `json:"code"`
	Type            string   `json:"type"`
	AllowedLotTypes []string `json:"allowed_lot_types"`
	CapacityKG      float64  `json:"capacity_kg"`
	TempMinC        float64  `json:"temp_min_c"`
	TempMaxC        float64  `json:"temp_max_c"`
	Active          bool     `json:"active"`
	CreatedAt       string   `json:"created_at"`
}

type BufferSummary struct {
	Buffer     Buffer  `json:"buffer"`
	QuantityKG float64 `json:"quantity_kg"`
	ItemCount  int     `json:"item_count"`
}

type InventoryItem struct {
	ID         string  `json:"id"`
	LotID      string  `json:"lot_id"`
	BufferID   string  `json:"buffer_id"`
	RunID      *string `json:"run_id,omitempty"`
	QuantityKG float64 `json:"quantity_kg"`
	EnteredAt  string  `json:"entered_at"`
	ExitedAt   *string `json:"exited_at,omitempty"`
}

type StockMove struct {
	ID             string  `json:"id"`
	LotID          string  `json:"lot_id"`
	FromBufferID   *string `json:"from_buffer_id,omitempty"`
	ToBufferID     *string `json:"to_buffer_id,omitempty"`
	QuantityKG     float64 `json:"quantity_kg"`
	MoveType       string  `json:"move_type"`
	IdempotencyKey string  `json:"idempotency_key"`
	MovedBy        string  `json:"moved_by"`
	CreatedAt      string  `json:"created_at"`
}

type QCInspection struct {
	ID             string  `json:"id"`
	LotID          string  `json:"lot_id"`
	RunID          string  `json:"run_id"`
	StepIndex      int     `json:"step_index"`
	InspectionType string  `json:"inspection_type"`
	IsCCP          bool    `json:"is_ccp"`
	Decision       string  `json:"decision"`
	Notes          *string `json:"notes,omitempty"`
	InspectorID    string  `json:"inspector_id"`
	InspectedAt    string  `json:"inspected_at"`
	IdempotencyKey string  `json:"idempotency_key"`
}

type TemperatureLog struct {
	ID              string  `json:"id"`
	LotID           *string `json:"lot_id,omitempty"`
	BufferID        *string `json:"buffer_id,omitempty"`
	InspectionID    *string `json:"inspection_id,omitempty"`
	TemperatureC    float64 `json:"temperature_c"`
	MeasurementType string  `json:"measurement_type"`
	IsViolation     bool    `json:"is_violation"`
	RecordedBy      string  `json:"recorded_by"`
	RecordedAt      string  `json:"recorded_at"`
}

type AuditEvent struct {
	ID         int64   `json:"id"`
	EventType  string  `json:"event_type"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	UserID     string  `json:"user_id"`
	OldState   *string `json:"old_state,omitempty"`
	NewState   *string `json:"new_state,omitempty"`
	Metadata   string  `json:"metadata,omitempty"`
	CreatedAt  string  `json:"created_at"`
}
