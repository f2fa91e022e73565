package drift_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orgflow/orgflow/internal/drift"
	"github.com/orgflow/orgflow/pkg/model"
)

func TestClassifier_Precedence(t *testing.T) {
	c := drift.NewClassifier(map[string][]string{
		"auth":     {"internal/auth/login.go", "./internal/auth/token.go"},
		"security": {"internal/auth/login.go"},
	}, nil, nil)

	tests := []struct {
		path       string
		categories []string
		method     string
		registered bool
	}{
		{"internal/auth/login.go", []string{"auth", "security"}, drift.MethodRegistry, true},
		{"internal/auth/token.go", []string{"auth"}, drift.MethodRegistry, true},
		{"internal/auth/session.go", []string{"source"}, drift.MethodPrefix, false},
		{"docs/setup.md", []string{"documentation"}, drift.MethodPrefix, false},
		{"README.md", []string{"documentation"}, drift.MethodKeyword, false},
		{"handler_test.go", []string{"tests"}, drift.MethodKeyword, false},
		{"notes.txt", []string{model.CategoryUncategorized}, drift.MethodNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := c.Classify(tt.path)
			assert.Equal(t, tt.categories, got.Categories)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.registered, got.Registered)
			assert.False(t, got.Conflict)
		})
	}
}

func TestClassifier_PrefixBeatsKeywordWithoutConflict(t *testing.T) {
	c := drift.NewClassifier(nil, nil, nil)
	got := c.Classify("internal/store/store_test.go")
	assert.Equal(t, []string{"source"}, got.Categories)
	assert.False(t, got.Conflict)
}

func TestClassifier_ConflictBetweenRegisteredCategories(t *testing.T) {
	c := drift.NewClassifier(map[string][]string{
		"handbook":      {"docs/guide.md"},
		"documentation": {"docs/index.md"},
	}, nil, nil)

	got := c.Classify("docs/guide.md")
	assert.Equal(t, []string{"handbook"}, got.Categories)
	assert.True(t, got.Conflict)

	got = c.Classify("docs/other.md")
	assert.Equal(t, []string{"documentation"}, got.Categories)
	assert.True(t, got.Registered)
	assert.False(t, got.Conflict)
}

func TestClassifier_ExtraRulesComeFirst(t *testing.T) {
	c := drift.NewClassifier(nil,
		[]drift.Rule{{Match: "docs/adr/", Category: "decisions"}},
		[]drift.Rule{{Match: "ROADMAP", Category: "planning"}},
	)
	assert.Equal(t, []string{"decisions"}, c.Classify("docs/adr/0001.md").Categories)
	assert.Equal(t, []string{"documentation"}, c.Classify("docs/intro.md").Categories)
	assert.Equal(t, []string{"planning"}, c.Classify("ROADMAP.md").Categories)
}
