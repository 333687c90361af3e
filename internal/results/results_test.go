package results

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all passed", []Status{StatusPassed, StatusPassed}, StatusPassed},
		{"empty", nil, StatusPassed},
		{"one failed wins", []Status{StatusPassed, StatusFailed, StatusWarning}, StatusFailed},
		{"warning beats passed", []Status{StatusPassed, StatusWarning}, StatusWarning},
		{"skips do not fail", []Status{StatusSkipped, StatusPassed}, StatusPassed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SuiteResult{Name: "s"}
			for _, status := range tt.statuses {
				s.Cases = append(s.Cases, CaseResult{Status: status})
			}
			s.DeriveStatus()
			assert.Equal(t, tt.want, s.Status)
		})
	}
}

// TestSummaryInvariant checks total == passed + failed + skipped + warnings
// over a mixed aggregation.
func TestSummaryInvariant(t *testing.T) {
	b := NewBuilder("1.0.0", time.Now())
	b.AddSuite(SuiteResult{Name: "a", Cases: []CaseResult{
		{Status: StatusPassed}, {Status: StatusFailed}, {Status: StatusSkipped},
	}})
	b.AddSuite(SuiteResult{Name: "b", Cases: []CaseResult{
		{Status: StatusWarning}, {Status: StatusPassed},
	}})

	res := b.Freeze(time.Now(), nil)
	s := res.Summary
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, s.Total, s.Passed+s.Failed+s.Skipped+s.Warnings)
	assert.Equal(t, 2, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Warnings)
}

func TestFreezeMetadata(t *testing.T) {
	started := time.Now()
	b := NewBuilder("1.0.0", started)
	b.AddSuite(SuiteResult{Name: "a", DurationMs: 5, Cases: []CaseResult{{Status: StatusPassed}}})

	time.Sleep(10 * time.Millisecond)
	env := map[string]interface{}{"os": "linux"}
	res := b.Freeze(time.Now(), env)

	assert.False(t, res.Metadata.CompletedAt.Before(res.Metadata.StartedAt))
	assert.GreaterOrEqual(t, res.Metadata.DurationMs, int64(10))
	assert.Equal(t, env, res.Metadata.Environment)
	assert.Equal(t, "1.0.0", res.Metadata.Version)

	var suiteTotal int64
	for _, s := range res.Suites {
		suiteTotal += s.DurationMs
	}
	assert.GreaterOrEqual(t, res.Metadata.DurationMs, suiteTotal)
}

func TestBuilderFrozenIsImmutable(t *testing.T) {
	b := NewBuilder("1.0.0", time.Now())
	b.AddSuite(SuiteResult{Name: "a", Cases: []CaseResult{{Status: StatusPassed}}})
	res := b.Freeze(time.Now(), nil)

	b.AddSuite(SuiteResult{Name: "late", Cases: []CaseResult{{Status: StatusFailed}}})
	b.AddFixtures([]Fixture{{ID: "late"}})

	assert.Len(t, res.Suites, 1)
	assert.Equal(t, 1, res.Summary.Total)
	assert.Empty(t, res.Fixtures)
}

func TestBuilderFailed(t *testing.T) {
	b := NewBuilder("1.0.0", time.Now())
	assert.False(t, b.Failed())
	b.AddSuite(SuiteResult{Cases: []CaseResult{{Status: StatusFailed}}})
	assert.True(t, b.Failed())
}
