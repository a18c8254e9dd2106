// Package model defines the entities shared across the pipeline:
// projects, jobs, sources, extractions, entities and domain boilerplate
// fingerprints. These are plain structs; persistence lives in
// internal/jobstore and internal/relstore, wire/LLM shapes live in
// internal/llm and internal/schema.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType enumerates the kinds of work the job store can hold.
type JobType string

const (
	JobTypeScrape  JobType = "scrape"
	JobTypeCrawl   JobType = "crawl"
	JobTypeExtract JobType = "extract"
	JobTypeReport  JobType = "report"
)

// JobStatus is the job state machine's current state.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// DefaultStaleThreshold returns the per-type default stale threshold.
func DefaultStaleThreshold(t JobType) time.Duration {
	switch t {
	case JobTypeScrape:
		return 5 * time.Minute
	case JobTypeExtract:
		return 15 * time.Minute
	case JobTypeCrawl:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// Job is a unit of work tracked by the job store.
type Job struct {
	ID                      uuid.UUID
	ProjectID               uuid.UUID
	Type                    JobType
	Status                  JobStatus
	Priority                int32
	Payload                 json.RawMessage
	Result                  json.RawMessage
	Error                   string
	CreatedAt               time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
	UpdatedAt               time.Time
	CancellationRequestedAt *time.Time
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// SourceType enumerates the kinds of documents a source can carry.
type SourceType string

const (
	SourceTypeWeb SourceType = "web"
	SourceTypePDF SourceType = "pdf"
)

// SourceMetadata captures the subset of fetch metadata the pipeline cares
// about (the rest is opaque and carried alongside it).
type SourceMetadata struct {
	HTTPStatus int    `json:"http_status"`
	Domain     string `json:"domain"`
}

// Source is a fetched document.
type Source struct {
	ID                   uuid.UUID
	ProjectID            uuid.UUID
	URI                  string
	SourceGroup          string
	SourceType           SourceType
	Title                string
	Content              string
	CleanedContent       string
	Status               string
	CreatedByJobID       *uuid.UUID
	PageType             string
	RelevantFieldGroups  []string
	ClassificationMethod string
	ClassificationConf   float64
	MetaData             SourceMetadata
	CreatedAt            time.Time
}

// EffectiveContent returns cleaned content if present, otherwise raw
// content.
func (s *Source) EffectiveContent() string {
	if s.CleanedContent != "" {
		return s.CleanedContent
	}
	return s.Content
}

// Extraction is a structured fact row produced from a Source.
type Extraction struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	SourceID       uuid.UUID
	SourceGroup    string
	ExtractionType string
	Data           map[string]any
	Confidence     float64
	ProfileUsed    string
	EmbeddingID    *uuid.UUID
	CreatedAt      time.Time
}

// IsOrphan reports whether this extraction has committed data but no
// vector entry.
func (e *Extraction) IsOrphan() bool {
	return e.EmbeddingID == nil && len(e.Data) > 0
}

// Entity is a normalized concept linked to one or more extractions.
type Entity struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	SourceGroup     string
	EntityType      string
	Value           string
	NormalizedValue string
	Attributes      map[string]any
	CreatedAt       time.Time
}

// EntityLink ties an extraction to an entity with a role.
type EntityLink struct {
	ExtractionID uuid.UUID
	EntityID     uuid.UUID
	Role         string
}

// DomainBoilerplate is the per (project, domain) boilerplate fingerprint.
type DomainBoilerplate struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Domain            string
	BoilerplateHashes []string
	PagesAnalyzed     int
	BlocksTotal       int
	BlocksBoilerplate int
	ThresholdPct      float64
	MinPages          int
	MinBlockChars     int
	UpdatedAt         time.Time
}

// FieldType enumerates the scalar/compound types a schema field can take.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldInteger FieldType = "integer"
	FieldFloat   FieldType = "float"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
	FieldList    FieldType = "list"
)

// FieldDefinition describes one field within a field group.
type FieldDefinition struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Description string    `yaml:"description" json:"description"`
	EnumValues  []string  `yaml:"enum_values,omitempty" json:"enum_values,omitempty"`
	Required    bool      `yaml:"required" json:"required"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
}

// FieldGroup is the unit of LLM extraction: a named set of fields with an
// optional entity-list form.
type FieldGroup struct {
	Name           string            `yaml:"name" json:"name"`
	Description    string            `yaml:"description" json:"description"`
	Fields         []FieldDefinition `yaml:"fields" json:"fields"`
	IsEntityList   bool              `yaml:"is_entity_list" json:"is_entity_list"`
	EntityIDFields []string          `yaml:"entity_id_fields,omitempty" json:"entity_id_fields,omitempty"`
	PromptHint     string            `yaml:"prompt_hint,omitempty" json:"prompt_hint,omitempty"`
}

// ExtractionSchema is a named collection of field groups.
type ExtractionSchema struct {
	Name        string       `yaml:"name" json:"name"`
	FieldGroups []FieldGroup `yaml:"field_groups" json:"field_groups"`
}

// GroupByName returns the field group with the given name, if present.
func (s *ExtractionSchema) GroupByName(name string) (*FieldGroup, bool) {
	for i := range s.FieldGroups {
		if s.FieldGroups[i].Name == name {
			return &s.FieldGroups[i], true
		}
	}
	return nil, false
}

// ClassificationRule maps a regular expression over URL or title to a set
// of relevant field groups.
type ClassificationRule struct {
	Pattern string   `yaml:"pattern" json:"pattern"`
	Groups  []string `yaml:"groups" json:"groups"`
}

// ClassificationConfig drives the page classifier. Skip/URL/title
// patterns are entirely project-configurable rather than hardcoded to
// one industry's vocabulary.
type ClassificationConfig struct {
	SkipPatterns  []string             `yaml:"skip_patterns,omitempty" json:"skip_patterns,omitempty"`
	URLPatterns   []ClassificationRule `yaml:"url_patterns,omitempty" json:"url_patterns,omitempty"`
	TitleKeywords []ClassificationRule `yaml:"title_keywords,omitempty" json:"title_keywords,omitempty"`
}

// ExtractionContext carries source-type labeling used during extraction.
type ExtractionContext struct {
	SourceTypeLabel string `yaml:"source_type_label" json:"source_type_label"`
}

// CrawlConfig holds project-level defaults for the crawl worker.
type CrawlConfig struct {
	MaxDepth           int      `yaml:"max_depth" json:"max_depth"`
	Limit              int      `yaml:"limit" json:"limit"`
	IncludePaths       []string `yaml:"include_paths,omitempty" json:"include_paths,omitempty"`
	ExcludePaths       []string `yaml:"exclude_paths,omitempty" json:"exclude_paths,omitempty"`
	AllowBackwardLinks bool     `yaml:"allow_backward_links" json:"allow_backward_links"`
	AutoExtract        bool     `yaml:"auto_extract" json:"auto_extract"`
}

// Project is the logical tenant owning jobs, sources, extractions,
// entities and domain boilerplate.
type Project struct {
	ID                   uuid.UUID
	Name                 string
	ExtractionSchema     ExtractionSchema
	EntityTypes          []string
	ExtractionContext    ExtractionContext
	ClassificationConfig *ClassificationConfig
	CrawlConfig          *CrawlConfig
	Deleted              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
