// Package config loads and validates the pipeline configuration document,
// and merges optional policy packs onto it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/riskstore"
)

// Config is the root document.
type Config struct {
	Helios        HeliosConfig        `yaml:"helios"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
	LogLevel      string              `yaml:"log_level"`
}

type HeliosConfig struct {
	SchemaVersion string `yaml:"schema_version"`
}

type PipelineConfig struct {
	RulesConfig    string               `yaml:"rules_config"`
	Ingest         IngestConfig         `yaml:"ingest"`
	Governance     GovernanceConfig     `yaml:"governance"`
	HumanLoop      HumanLoopConfig      `yaml:"human_loop"`
	RBAC           RBACConfig           `yaml:"rbac"`
	Guardrails     GuardrailsConfig     `yaml:"guardrails"`
	Infrastructure InfrastructureConfig `yaml:"infrastructure"`
	Export         ExportConfig         `yaml:"export"`
}

// Ingest modes.
const (
	IngestScenario     = "scenario"
	IngestTail         = "tail"
	IngestModulesMedia = "modules_media"
)

type IngestConfig struct {
	Mode    string        `yaml:"mode"`
	Tail    TailConfig    `yaml:"tail"`
	Media   MediaConfig   `yaml:"media"`
	Modules ModulesConfig `yaml:"modules"`
}

type TailConfig struct {
	Path            string  `yaml:"path"`
	MaxItems        int     `yaml:"max_items"`
	PollIntervalSec float64 `yaml:"poll_interval_sec"`
}

type MediaConfig struct {
	Path string `yaml:"path"`
}

type ModulesConfig struct {
	EnableVision  bool `yaml:"enable_vision"`
	EnableAudio   bool `yaml:"enable_audio"`
	EnableThermal bool `yaml:"enable_thermal"`
	EnableGait    bool `yaml:"enable_gait"`
	EnableScene   bool `yaml:"enable_scene"`
}

type GovernanceConfig struct {
	BlockDomains    []string          `yaml:"block_domains"`
	BlockCategories []string          `yaml:"block_categories"`
	SeverityCaps    map[string]string `yaml:"severity_caps"`
	ForbidActions   []string          `yaml:"forbid_actions"`
}

type HumanLoopConfig struct {
	DefaultRequireApproval   bool     `yaml:"default_require_approval"`
	DomainRequireApproval    []string `yaml:"domain_require_approval"`
	AutoApprove              bool     `yaml:"auto_approve"`
	AllowUnsignedAutoApprove bool     `yaml:"allow_unsigned_auto_approve"`
	Approver                 string   `yaml:"approver"`
}

type Approver struct {
	ID     string   `yaml:"id"`
	Secret string   `yaml:"secret"`
	Roles  []string `yaml:"roles"`
}

type ActiveApprover struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

type ActionRequirement struct {
	RequiredRoles []string `yaml:"required_roles"`
	MinApprovals  int      `yaml:"min_approvals"`
}

type RBACConfig struct {
	Approvers          []Approver                   `yaml:"approvers"`
	ActiveApprovers    []ActiveApprover             `yaml:"active_approvers"`
	MinApprovals       int                          `yaml:"min_approvals"`
	RequiredRoles      map[string][]string          `yaml:"required_roles"`
	ActionRequirements map[string]ActionRequirement `yaml:"action_requirements"`
}

type PatternLimit struct {
	Pattern string `yaml:"pattern"`
	N       int    `yaml:"n"`
}

type RateLimits struct {
	PerEvent              int            `yaml:"per_event"`
	PerDomain             map[string]int `yaml:"per_domain"`
	Total                 int            `yaml:"total"`
	PerAssetInfra         map[string]int `yaml:"per_asset_infra"`
	PerAssetInfraPatterns []PatternLimit `yaml:"per_asset_infra_patterns"`
}

type RiskBudget struct {
	Max       int64 `yaml:"max"`
	WindowSec int64 `yaml:"window_sec"`
}

type GuardrailsConfig struct {
	RateLimits           RateLimits            `yaml:"rate_limits"`
	RiskBudgets          map[string]RiskBudget `yaml:"risk_budgets"`
	RiskBackoffBaseSec   int64                 `yaml:"risk_backoff_base_sec"`
	RiskStorePath        string                `yaml:"risk_store_path"`
	RiskStore            riskstore.Config      `yaml:"risk_store"`
	HealthAlertDropRatio float64               `yaml:"health_alert_drop_ratio"`
}

type InfraMatch struct {
	Category string `yaml:"category"`
	Domain   string `yaml:"domain"`
}

type InfraTask struct {
	Action             string   `yaml:"action"`
	AssetID            string   `yaml:"asset_id"`
	InfrastructureType string   `yaml:"infrastructure_type"`
	AssigneeDomain     string   `yaml:"assignee_domain"`
	RequiredRoles      []string `yaml:"required_roles"`
	MinApprovals       int      `yaml:"min_approvals"`
}

type InfraMapping struct {
	Match InfraMatch  `yaml:"match"`
	Tasks []InfraTask `yaml:"tasks"`
}

type InfrastructureConfig struct {
	Mappings       []InfraMapping               `yaml:"mappings"`
	ActionDefaults map[string]ActionRequirement `yaml:"action_defaults"`
}

type HTTPTarget struct {
	URL            string  `yaml:"url"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	Retries        int     `yaml:"retries"`
	BackoffSeconds float64 `yaml:"backoff_seconds"`
	BackoffMode    string  `yaml:"backoff_mode"` // linear (default) | exponential
	DLQPath        string  `yaml:"dlq_path"`
}

type RolloverFile struct {
	Path           string `yaml:"path"`
	RotateMaxBytes int64  `yaml:"rotate_max_bytes"`
}

type InfraExport struct {
	Path           string      `yaml:"path"`
	RotateMaxBytes int64       `yaml:"rotate_max_bytes"`
	HTTP           *HTTPTarget `yaml:"http"`
}

type EvidencePackConfig struct {
	Store  string `yaml:"store"` // local (default) | s3 | gcs
	Dir    string `yaml:"dir"`
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type ExportConfig struct {
	Formats        []string           `yaml:"formats"`
	TaskJSONL      RolloverFile       `yaml:"task_jsonl"`
	Infrastructure InfraExport        `yaml:"infrastructure"`
	Webhook        *HTTPTarget        `yaml:"webhook"`
	EvidencePack   EvidencePackConfig `yaml:"evidence_pack"`
}

type AuditConfig struct {
	Path           string `yaml:"path"`
	Actor          string `yaml:"actor"`
	SignSecret     string `yaml:"sign_secret"`
	VerifyOnStart  bool   `yaml:"verify_on_start"`
	RequireSigning bool   `yaml:"require_signing"`
}

type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

var validFormats = map[string]bool{
	"json": true, "stdout": true, "metrics": true, "stix": true,
	"task_jsonl": true, "infrastructure": true, "webhook": true,
	"evidence_pack": true,
}

// Load reads, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.NewError(contracts.CategoryConfig, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, contracts.NewError(contracts.CategoryConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enum-valued fields and cross-field consistency.
func (c *Config) Validate() error {
	switch c.Pipeline.Ingest.Mode {
	case "", IngestScenario, IngestTail, IngestModulesMedia:
	default:
		return contracts.Errorf(contracts.CategoryConfig, "pipeline.ingest.mode",
			"unknown ingest mode %q", c.Pipeline.Ingest.Mode)
	}

	for _, f := range c.Pipeline.Export.Formats {
		if !validFormats[f] {
			return contracts.Errorf(contracts.CategoryConfig, "pipeline.export.formats",
				"unknown export format %q", f)
		}
	}

	for domain, sev := range c.Pipeline.Governance.SeverityCaps {
		if !contracts.KnownSeverity(sev) {
			return contracts.Errorf(contracts.CategoryConfig,
				fmt.Sprintf("pipeline.governance.severity_caps.%s", domain),
				"unknown severity %q", sev)
		}
	}

	seen := map[string]bool{}
	for _, a := range c.Pipeline.RBAC.Approvers {
		if a.ID == "" {
			return contracts.Errorf(contracts.CategoryConfig, "pipeline.rbac.approvers",
				"approver with empty id")
		}
		if seen[a.ID] {
			return contracts.Errorf(contracts.CategoryConfig, "pipeline.rbac.approvers",
				"duplicate approver id %q", a.ID)
		}
		seen[a.ID] = true
	}

	if t := c.Pipeline.Export.Webhook; t != nil {
		if err := validateHTTPTarget("pipeline.export.webhook", t); err != nil {
			return err
		}
	}
	if t := c.Pipeline.Export.Infrastructure.HTTP; t != nil {
		if err := validateHTTPTarget("pipeline.export.infrastructure.http", t); err != nil {
			return err
		}
	}
	return nil
}

func validateHTTPTarget(key string, t *HTTPTarget) error {
	if t.URL == "" {
		return contracts.Errorf(contracts.CategoryConfig, key+".url", "url is required")
	}
	switch t.BackoffMode {
	case "", "linear", "exponential":
	default:
		return contracts.Errorf(contracts.CategoryConfig, key+".backoff_mode",
			"unknown backoff mode %q", t.BackoffMode)
	}
	return nil
}

// SetActiveApprover injects a CLI-supplied approver token, replacing any
// configured token for the same id.
func (c *Config) SetActiveApprover(id, token string) {
	for i, a := range c.Pipeline.RBAC.ActiveApprovers {
		if a.ID == id {
			c.Pipeline.RBAC.ActiveApprovers[i].Token = token
			return
		}
	}
	c.Pipeline.RBAC.ActiveApprovers = append(c.Pipeline.RBAC.ActiveApprovers,
		ActiveApprover{ID: id, Token: token})
}

// RiskStoreConfig resolves the risk store backend config, honoring the
// short-form risk_store_path.
func (c *Config) RiskStoreConfig() riskstore.Config {
	rc := c.Pipeline.Guardrails.RiskStore
	if rc.Path == "" {
		rc.Path = c.Pipeline.Guardrails.RiskStorePath
	}
	return rc
}
