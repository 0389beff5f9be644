package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"optrack/internal/domain"
)

// Config models optrack.yml: the reference data the engine derives from.
// Loaded once at startup and shared by reference; never mutated afterwards.
type Config struct {
	Catalog     map[string][]PhaseTemplate `yaml:"catalog"`
	StatusRules map[string][]StatusRule    `yaml:"status_rules"`
	Alerts      struct {
		Priorities map[string]int `yaml:"priorities"`
	} `yaml:"alerts"`
	Blockage struct {
		Keywords []string `yaml:"keywords"`
	} `yaml:"blockage"`
	REM      REMConfig       `yaml:"rem"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one event push target. An empty events list
// subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

type PhaseTemplate struct {
	Principal   string `yaml:"principal"`
	Name        string `yaml:"name"`
	MinDays     int    `yaml:"min_days"`
	MaxDays     int    `yaml:"max_days"`
	Responsible string `yaml:"responsible"`
	Domain      string `yaml:"domain"`
	REMImpact   bool   `yaml:"rem_impact"`
}

// StatusRule is one row of a type's status decision table. Rules are
// evaluated in order, first match wins; every set condition must hold.
// A rule with no condition matches everything and must come last.
type StatusRule struct {
	Status        string   `yaml:"status"`
	AllValidated  bool     `yaml:"all_validated,omitempty"`
	NoneValidated bool     `yaml:"none_validated,omitempty"`
	MinPct        *float64 `yaml:"min_pct,omitempty"`
	MaxPct        *float64 `yaml:"max_pct,omitempty"`
	PhaseDone     string   `yaml:"phase_done,omitempty"`
	PhaseStarted  string   `yaml:"phase_started,omitempty"`
	DomainDone    string   `yaml:"domain_done,omitempty"`
}

// Conditional reports whether the rule carries at least one condition.
func (r StatusRule) Conditional() bool {
	return r.AllValidated || r.NoneValidated || r.MinPct != nil || r.MaxPct != nil ||
		r.PhaseDone != "" || r.PhaseStarted != "" || r.DomainDone != ""
}

type REMConfig struct {
	Rates struct {
		LLS  float64 `yaml:"lls"`
		LLTS float64 `yaml:"llts"`
		PLS  float64 `yaml:"pls"`
	} `yaml:"rates"`
	DelayPenalty float64 `yaml:"delay_penalty"`
	EarlyBonus   float64 `yaml:"early_bonus"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Catalog) == 0 {
		return fmt.Errorf("config.catalog is required")
	}
	for opType, templates := range c.Catalog {
		if !domain.ValidOperationTypes[opType] {
			return fmt.Errorf("config.catalog has unknown operation type %s", opType)
		}
		if len(templates) == 0 {
			return fmt.Errorf("catalog for type %s is empty", opType)
		}
		for i, tpl := range templates {
			if tpl.Name == "" {
				return fmt.Errorf("catalog %s entry %d has empty name", opType, i+1)
			}
			if tpl.Principal == "" {
				return fmt.Errorf("catalog %s entry %q has empty principal", opType, tpl.Name)
			}
			if !domain.ValidDomains[tpl.Domain] {
				return fmt.Errorf("catalog %s entry %q has unknown domain %s", opType, tpl.Name, tpl.Domain)
			}
			if tpl.MinDays < 0 || tpl.MaxDays < tpl.MinDays {
				return fmt.Errorf("catalog %s entry %q has invalid duration bounds", opType, tpl.Name)
			}
		}
	}
	for opType := range c.Catalog {
		rules := c.StatusRules[opType]
		if len(rules) == 0 {
			return fmt.Errorf("config.status_rules missing for type %s", opType)
		}
		for i, rule := range rules {
			if !domain.ValidStatuses[rule.Status] {
				return fmt.Errorf("status_rules %s rule %d has unknown status %s", opType, i+1, rule.Status)
			}
			if i == len(rules)-1 && rule.Conditional() {
				return fmt.Errorf("status_rules %s must end with an unconditional rule", opType)
			}
		}
	}
	for opType := range c.StatusRules {
		if _, ok := c.Catalog[opType]; !ok {
			return fmt.Errorf("config.status_rules has unknown operation type %s", opType)
		}
	}
	for _, alertType := range []string{domain.AlertBlockage, domain.AlertDelay, domain.AlertAttention, domain.AlertValidation, domain.AlertInfo} {
		prio, ok := c.Alerts.Priorities[alertType]
		if !ok {
			return fmt.Errorf("config.alerts.priorities missing type %s", alertType)
		}
		if prio < 1 {
			return fmt.Errorf("config.alerts.priorities.%s must be >= 1", alertType)
		}
	}
	if len(c.Blockage.Keywords) == 0 {
		return fmt.Errorf("config.blockage.keywords is required")
	}
	for _, kw := range c.Blockage.Keywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("config.blockage.keywords contains an empty keyword")
		}
	}
	if c.REM.Rates.LLS < 0 || c.REM.Rates.LLTS < 0 || c.REM.Rates.PLS < 0 {
		return fmt.Errorf("config.rem.rates must be >= 0")
	}
	if c.REM.Rates.LLS+c.REM.Rates.LLTS+c.REM.Rates.PLS == 0 {
		return fmt.Errorf("config.rem.rates must not all be zero")
	}
	if c.REM.DelayPenalty < 0 || c.REM.DelayPenalty > 1 {
		return fmt.Errorf("config.rem.delay_penalty must be in [0,1]")
	}
	if c.REM.EarlyBonus < 0 || c.REM.EarlyBonus > 1 {
		return fmt.Errorf("config.rem.early_bonus must be in [0,1]")
	}
	return nil
}

// AlertPriority returns the configured priority for an alert type.
func (c *Config) AlertPriority(alertType string) int {
	if prio, ok := c.Alerts.Priorities[alertType]; ok {
		return prio
	}
	return 1
}

// Templates returns the phase catalog for an operation type.
func (c *Config) Templates(opType string) []PhaseTemplate {
	return c.Catalog[opType]
}

// Rules returns the status decision table for an operation type.
func (c *Config) Rules(opType string) []StatusRule {
	return c.StatusRules[opType]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "optrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in reference config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) normalize() {
	keywords := make([]string, 0, len(c.Blockage.Keywords))
	for _, kw := range c.Blockage.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	c.Blockage.Keywords = keywords
}

const defaultTemplate = `catalog:
  OPP:
    - {principal: assembly, name: Land identification, min_days: 30, max_days: 90, responsible: development officer, domain: operational}
    - {principal: assembly, name: Land reservation agreement, min_days: 30, max_days: 60, responsible: legal officer, domain: legal}
    - {principal: studies, name: Feasibility study, min_days: 45, max_days: 90, responsible: programme manager, domain: operational}
    - {principal: studies, name: Financing plan approval, min_days: 30, max_days: 60, responsible: finance officer, domain: budgetary, rem_impact: true}
    - {principal: studies, name: Building permit application, min_days: 60, max_days: 120, responsible: legal officer, domain: legal}
    - {principal: consultation, name: Works tender published, min_days: 30, max_days: 45, responsible: programme manager, domain: operational}
    - {principal: consultation, name: Works contracts awarded, min_days: 30, max_days: 60, responsible: finance officer, domain: budgetary}
    - {principal: construction, name: Construction start, min_days: 15, max_days: 30, responsible: works supervisor, domain: operational}
    - {principal: construction, name: Structural work complete, min_days: 180, max_days: 360, responsible: works supervisor, domain: operational}
    - {principal: reception, name: Works acceptance, min_days: 15, max_days: 30, responsible: works supervisor, domain: operational, rem_impact: true}
    - {principal: reception, name: Delivery to lettings, min_days: 15, max_days: 30, responsible: programme manager, domain: operational, rem_impact: true}
    - {principal: closure, name: Final accounts closed, min_days: 60, max_days: 180, responsible: finance officer, domain: budgetary}
  VEFA:
    - {principal: assembly, name: Developer agreement sourced, min_days: 30, max_days: 60, responsible: development officer, domain: operational}
    - {principal: assembly, name: Reservation contract signed, min_days: 30, max_days: 60, responsible: legal officer, domain: legal}
    - {principal: studies, name: Technical due diligence, min_days: 30, max_days: 60, responsible: programme manager, domain: operational}
    - {principal: studies, name: Financing plan approval, min_days: 30, max_days: 60, responsible: finance officer, domain: budgetary, rem_impact: true}
    - {principal: construction, name: Notarial deed signed, min_days: 30, max_days: 60, responsible: legal officer, domain: legal}
    - {principal: construction, name: Works progress reviews, min_days: 180, max_days: 360, responsible: works supervisor, domain: operational}
    - {principal: reception, name: Handover inspection, min_days: 15, max_days: 30, responsible: works supervisor, domain: operational, rem_impact: true}
    - {principal: reception, name: Reserves lifted, min_days: 30, max_days: 90, responsible: works supervisor, domain: operational}
    - {principal: closure, name: Final accounts closed, min_days: 60, max_days: 180, responsible: finance officer, domain: budgetary}
  AMO:
    - {principal: assembly, name: Assistance mandate signed, min_days: 15, max_days: 45, responsible: legal officer, domain: legal}
    - {principal: studies, name: Needs programme drafted, min_days: 30, max_days: 60, responsible: programme manager, domain: operational}
    - {principal: studies, name: Owner approvals secured, min_days: 30, max_days: 60, responsible: finance officer, domain: budgetary}
    - {principal: consultation, name: Designer selection support, min_days: 30, max_days: 60, responsible: programme manager, domain: operational}
    - {principal: consultation, name: Works tender support, min_days: 30, max_days: 60, responsible: programme manager, domain: operational}
    - {principal: construction, name: Works oversight reports, min_days: 180, max_days: 360, responsible: works supervisor, domain: operational}
    - {principal: reception, name: Acceptance assistance, min_days: 15, max_days: 30, responsible: works supervisor, domain: operational}
    - {principal: closure, name: Mission closeout report, min_days: 30, max_days: 60, responsible: programme manager, domain: operational}
  MANDAT:
    - {principal: assembly, name: Mandate agreement signed, min_days: 15, max_days: 45, responsible: legal officer, domain: legal}
    - {principal: studies, name: Programme validation, min_days: 30, max_days: 60, responsible: programme manager, domain: operational}
    - {principal: studies, name: Financing plan approval, min_days: 30, max_days: 60, responsible: finance officer, domain: budgetary, rem_impact: true}
    - {principal: studies, name: Building permit application, min_days: 60, max_days: 120, responsible: legal officer, domain: legal}
    - {principal: consultation, name: Works tender published, min_days: 30, max_days: 45, responsible: programme manager, domain: operational}
    - {principal: consultation, name: Works contracts awarded, min_days: 30, max_days: 60, responsible: finance officer, domain: budgetary}
    - {principal: construction, name: Construction start, min_days: 15, max_days: 30, responsible: works supervisor, domain: operational}
    - {principal: construction, name: Structural work complete, min_days: 180, max_days: 360, responsible: works supervisor, domain: operational}
    - {principal: reception, name: Works acceptance, min_days: 15, max_days: 30, responsible: works supervisor, domain: operational, rem_impact: true}
    - {principal: closure, name: Mandate accounts returned, min_days: 60, max_days: 180, responsible: finance officer, domain: budgetary}

status_rules:
  OPP:
    - {all_validated: true, status: closed}
    - {phase_done: reception, status: delivered}
    - {phase_done: construction, status: in_reception}
    - {phase_started: construction, status: in_construction}
    - {phase_done: consultation, status: in_construction}
    - {phase_started: consultation, status: in_consultation}
    - {phase_done: studies, status: in_consultation}
    - {phase_started: studies, status: in_study}
    - {status: in_assembly}
  VEFA:
    - {all_validated: true, status: closed}
    - {phase_done: reception, status: delivered}
    - {phase_done: construction, status: in_reception}
    - {phase_started: construction, status: in_construction}
    - {phase_done: studies, status: in_construction}
    - {none_validated: true, status: in_assembly}
    - {status: in_study}
  AMO:
    - {all_validated: true, status: closed}
    - {phase_done: reception, status: delivered}
    - {phase_started: construction, status: in_construction}
    - {phase_done: consultation, status: in_construction}
    - {phase_started: consultation, status: in_consultation}
    - {domain_done: legal, status: in_study}
    - {status: in_assembly}
  MANDAT:
    - {all_validated: true, status: closed}
    - {phase_done: reception, status: delivered}
    - {phase_done: construction, status: in_reception}
    - {phase_started: construction, status: in_construction}
    - {phase_done: consultation, status: in_construction}
    - {phase_started: consultation, status: in_consultation}
    - {phase_done: studies, status: in_consultation}
    - {max_pct: 10, status: in_assembly}
    - {status: in_study}

alerts:
  priorities:
    blockage: 5
    delay: 4
    attention: 3
    validation: 2
    info: 1

blockage:
  keywords:
    - blocked
    - blockage
    - halted
    - stopped
    - standstill
    - problem
    - failure
    - failed
    - refusal
    - refused
    - rejected
    - dispute
    - litigation
    - appeal
    - major delay
    - deadlock

rem:
  rates:
    lls: 5100
    llts: 4500
    pls: 5800
  delay_penalty: 0.1
  early_bonus: 0.05
`
