package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDefaultStaleThresholdPerJobType(t *testing.T) {
	assert.Equal(t, 5*time.Minute, DefaultStaleThreshold(JobTypeScrape))
	assert.Equal(t, 15*time.Minute, DefaultStaleThreshold(JobTypeExtract))
	assert.Equal(t, 30*time.Minute, DefaultStaleThreshold(JobTypeCrawl))
	assert.Equal(t, 15*time.Minute, DefaultStaleThreshold(JobTypeReport))
	assert.Equal(t, 15*time.Minute, DefaultStaleThreshold(JobType("unknown")))
}

func TestJobIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, st := range terminal {
		j := &Job{Status: st}
		assert.True(t, j.IsTerminal(), "status %s should be terminal", st)
	}

	nonTerminal := []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCancelling}
	for _, st := range nonTerminal {
		j := &Job{Status: st}
		assert.False(t, j.IsTerminal(), "status %s should not be terminal", st)
	}
}

func TestSourceEffectiveContentPrefersCleaned(t *testing.T) {
	s := &Source{Content: "raw", CleanedContent: "cleaned"}
	assert.Equal(t, "cleaned", s.EffectiveContent())
}

func TestSourceEffectiveContentFallsBackToRaw(t *testing.T) {
	s := &Source{Content: "raw"}
	assert.Equal(t, "raw", s.EffectiveContent())
}

func TestExtractionIsOrphanWhenDataPresentButNoEmbedding(t *testing.T) {
	e := &Extraction{Data: map[string]any{"price": 9.99}}
	assert.True(t, e.IsOrphan())

	id := uuid.New()
	e.EmbeddingID = &id
	assert.False(t, e.IsOrphan())
}

func TestExtractionIsNotOrphanWhenDataEmpty(t *testing.T) {
	e := &Extraction{}
	assert.False(t, e.IsOrphan())
}

func TestExtractionSchemaGroupByName(t *testing.T) {
	schema := &ExtractionSchema{
		FieldGroups: []FieldGroup{
			{Name: "pricing"},
			{Name: "specs"},
		},
	}

	g, ok := schema.GroupByName("specs")
	assert.True(t, ok)
	assert.Equal(t, "specs", g.Name)

	_, ok = schema.GroupByName("missing")
	assert.False(t, ok)
}
