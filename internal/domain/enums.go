package domain

const (
	TypeOPP    = "OPP"
	TypeVEFA   = "VEFA"
	TypeAMO    = "AMO"
	TypeMANDAT = "MANDAT"
)

// ValidOperationTypes is the closed set of accepted operation type strings.
var ValidOperationTypes = map[string]bool{
	TypeOPP: true, TypeVEFA: true, TypeAMO: true, TypeMANDAT: true,
}

const (
	StatusInAssembly     = "in_assembly"
	StatusInStudy        = "in_study"
	StatusInConsultation = "in_consultation"
	StatusInConstruction = "in_construction"
	StatusInReception    = "in_reception"
	StatusDelivered      = "delivered"
	StatusClosed         = "closed"
	StatusBlocked        = "blocked"
)

// ValidStatuses is the closed set of operation status labels.
var ValidStatuses = map[string]bool{
	StatusInAssembly: true, StatusInStudy: true, StatusInConsultation: true,
	StatusInConstruction: true, StatusInReception: true, StatusDelivered: true,
	StatusClosed: true, StatusBlocked: true,
}

const (
	DomainOperational = "operational"
	DomainLegal       = "legal"
	DomainBudgetary   = "budgetary"
)

var ValidDomains = map[string]bool{
	DomainOperational: true, DomainLegal: true, DomainBudgetary: true,
}

const (
	MarkerDone       = "done"
	MarkerBlocked    = "blocked"
	MarkerLate       = "late"
	MarkerInProgress = "in_progress"
)

const (
	ActionCreation   = "creation"
	ActionValidation = "validation"
	ActionNote       = "note"
	ActionUpdate     = "update"
	ActionBlockage   = "blockage"
	ActionResolution = "resolution"
)

var ValidActions = map[string]bool{
	ActionCreation: true, ActionValidation: true, ActionNote: true,
	ActionUpdate: true, ActionBlockage: true, ActionResolution: true,
}

const (
	AlertBlockage   = "blockage"
	AlertDelay      = "delay"
	AlertAttention  = "attention"
	AlertValidation = "validation"
	AlertInfo       = "info"
)

const (
	CategoryLLS  = "lls"
	CategoryLLTS = "llts"
	CategoryPLS  = "pls"
)
