package poller

import (
	"fmt"
	"io"
	"time"

	"github.com/devinshawntripp/pbnsupplyscripts/pkg/classify"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/lookup"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Finding is a domain worth acting on: expired or about to expire
type Finding struct {
	Name       string         `json:"domain" yaml:"domain"`
	Class      classify.Class `json:"class" yaml:"class"`
	ExpiryDate *time.Time     `json:"expiry_date,omitempty" yaml:"expiry_date,omitempty"`
	CheckedAt  time.Time      `json:"checked_at" yaml:"checked_at"`
}

// Summary is the end-of-run report
type Summary struct {
	RunID string `json:"run_id" yaml:"run_id"`
	// Candidates is the number of unique names the run was given
	Candidates int `json:"candidates" yaml:"candidates"`
	// SkippedFresh were checked recently enough to be left alone
	SkippedFresh int `json:"skipped_fresh" yaml:"skipped_fresh"`
	// NotDispatched were left over when the deadline hit or the run was aborted
	NotDispatched int `json:"not_dispatched" yaml:"not_dispatched"`
	Attempted     int `json:"attempted" yaml:"attempted"`
	Succeeded     int `json:"succeeded" yaml:"succeeded"`
	Failed        int `json:"failed" yaml:"failed"`

	FailuresByKind map[lookup.Kind]int    `json:"failures_by_kind" yaml:"failures_by_kind"`
	Classes        map[classify.Class]int `json:"classes" yaml:"classes"`

	Persisted   int `json:"persisted" yaml:"persisted"`
	StoreErrors int `json:"store_errors" yaml:"store_errors"`

	Findings []Finding     `json:"findings,omitempty" yaml:"findings,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

func newSummary(runID string) Summary {
	s := Summary{
		RunID:          runID,
		FailuresByKind: make(map[lookup.Kind]int, len(lookup.Kinds)),
		Classes:        make(map[classify.Class]int, len(classify.All)),
	}
	for _, k := range lookup.Kinds {
		s.FailuresByKind[k] = 0
	}
	for _, c := range classify.All {
		s.Classes[c] = 0
	}
	return s
}

// Names returns the findings of one class
func (s Summary) Names(class classify.Class) []string {
	var out []string
	for _, f := range s.Findings {
		if f.Class == class {
			out = append(out, f.Name)
		}
	}
	return out
}

// Log writes the summary as one structured line
func (s Summary) Log(logger *zerolog.Logger) {
	failures := zerolog.Dict()
	for _, k := range lookup.Kinds {
		failures.Int(string(k), s.FailuresByKind[k])
	}
	classes := zerolog.Dict()
	for _, c := range classify.All {
		classes.Int(string(c), s.Classes[c])
	}
	logger.Info().
		Str("run_id", s.RunID).
		Int("candidates", s.Candidates).
		Int("skipped_fresh", s.SkippedFresh).
		Int("not_dispatched", s.NotDispatched).
		Int("attempted", s.Attempted).
		Int("succeeded", s.Succeeded).
		Int("failed", s.Failed).
		Dict("failures", failures).
		Dict("classes", classes).
		Int("persisted", s.Persisted).
		Int("store_errors", s.StoreErrors).
		Dur("duration", s.Duration).
		Msg("run complete")
}

// WriteYAML writes the full report, findings included
func (s Summary) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return enc.Close()
}
