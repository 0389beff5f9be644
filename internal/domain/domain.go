package domain

type Operation struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type" enum:"OPP,VEFA,AMO,MANDAT"`
	ACOID        int64   `json:"aco_id"`
	ACOName      string  `json:"aco_name,omitempty"`
	City         string  `json:"city,omitempty"`
	UnitsLLS     int     `json:"units_lls"`
	UnitsLLTS    int     `json:"units_llts"`
	UnitsPLS     int     `json:"units_pls"`
	Budget       float64 `json:"budget,omitempty"`
	Grants       float64 `json:"grants,omitempty"`
	StartDate    *string `json:"start_date,omitempty" format:"date"`
	DeliveryDate *string `json:"delivery_date,omitempty" format:"date"`

	Status         string  `json:"status" enum:"in_assembly,in_study,in_consultation,in_construction,in_reception,delivered,closed,blocked"`
	CompletionPct  float64 `json:"completion_pct"`
	RiskScore      float64 `json:"risk_score"`
	CurrentPhase   string  `json:"current_phase,omitempty"`
	ActiveBlockage bool    `json:"active_blockage"`
	StatusOverride bool    `json:"status_override"`
	LastAlertType  *string `json:"last_alert_type,omitempty"`
	LastAlertAt    *string `json:"last_alert_at,omitempty" format:"date-time"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Phase struct {
	ID          int64   `json:"id"`
	OperationID int64   `json:"operation_id"`
	Position    int     `json:"position"`
	Principal   string  `json:"principal"`
	Name        string  `json:"name"`
	Domain      string  `json:"domain" enum:"operational,legal,budgetary"`
	Responsible string  `json:"responsible,omitempty"`
	MinDays     int     `json:"min_days"`
	MaxDays     int     `json:"max_days"`
	REMImpact   bool    `json:"rem_impact"`
	Custom      bool    `json:"custom"`
	CreatedBy   *string `json:"created_by,omitempty"`

	Validated   bool    `json:"validated"`
	ValidatedAt *string `json:"validated_at,omitempty" format:"date-time"`
	ValidatedBy *string `json:"validated_by,omitempty"`

	PlannedStart *string `json:"planned_start,omitempty" format:"date"`
	PlannedEnd   *string `json:"planned_end,omitempty" format:"date"`
	ActualStart  *string `json:"actual_start,omitempty" format:"date"`
	ActualEnd    *string `json:"actual_end,omitempty" format:"date"`

	Blocked        bool    `json:"blocked"`
	BlockageReason *string `json:"blockage_reason,omitempty"`
	BlockedAt      *string `json:"blocked_at,omitempty" format:"date-time"`

	Marker string `json:"marker,omitempty" enum:"done,blocked,late,in_progress"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type JournalEntry struct {
	ID          int64    `json:"id"`
	OperationID int64    `json:"operation_id"`
	PhaseID     *int64   `json:"phase_id,omitempty"`
	Author      string   `json:"author"`
	Action      string   `json:"action" enum:"creation,validation,note,update,blockage,resolution"`
	Text        string   `json:"text"`
	Urgency     int      `json:"urgency" minimum:"1" maximum:"5"`
	Blockage    bool     `json:"blockage"`
	Keywords    []string `json:"keywords,omitempty"`

	Resolved       bool    `json:"resolved"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy     *string `json:"resolved_by,omitempty"`
	ResolutionNote *string `json:"resolution_note,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
}

type Alert struct {
	ID          int64  `json:"id"`
	OperationID int64  `json:"operation_id"`
	JournalID   *int64 `json:"journal_id,omitempty"`
	PhaseID     *int64 `json:"phase_id,omitempty"`
	Type        string `json:"type" enum:"blockage,delay,attention,validation,info"`
	Urgency     int    `json:"urgency" minimum:"1" maximum:"5"`
	Impact      int    `json:"impact"`
	Message     string `json:"message"`

	Treated   bool    `json:"treated"`
	TreatedAt *string `json:"treated_at,omitempty" format:"date-time"`
	TreatedBy *string `json:"treated_by,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
}

type REMProjection struct {
	ID          int64   `json:"id"`
	OperationID int64   `json:"operation_id"`
	Annual      float64 `json:"annual"`
	SemiAnnual  float64 `json:"semi_annual"`
	LLS         float64 `json:"lls"`
	LLTS        float64 `json:"llts"`
	PLS         float64 `json:"pls"`
	Correction  float64 `json:"correction"`
	ComputedAt  string  `json:"computed_at" format:"date-time"`
}

type ACO struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	OperationsCount int    `json:"operations_count"`
	ActiveCount     int    `json:"active_count"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type RiskEntry struct {
	Operation Operation `json:"operation"`
	Reasons   []string  `json:"reasons"`
}

type PortfolioSummary struct {
	Operations      int     `json:"operations"`
	Active          int     `json:"active"`
	Blocked         int     `json:"blocked"`
	UnitsTotal      int     `json:"units_total"`
	AnnualREM       float64 `json:"annual_rem"`
	SemiAnnualREM   float64 `json:"semi_annual_rem"`
	AvgRisk         float64 `json:"avg_risk"`
	UntreatedAlerts int     `json:"untreated_alerts"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	OperationID int64  `json:"operation_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
