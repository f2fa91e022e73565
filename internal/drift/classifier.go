package drift

import (
	"path"
	"sort"
	"strings"

	"github.com/orgflow/orgflow/pkg/model"
)

// Classification methods, in order of precedence.
const (
	MethodRegistry = "registry"
	MethodPrefix   = "prefix"
	MethodKeyword  = "keyword"
	MethodNone     = "none"
)

// Rule maps a path pattern to a category. Prefix rules match a leading
// directory ("docs/"); keyword rules match a substring of the lowercased
// file name ("readme").
type Rule struct {
	Match    string `json:"match"`
	Category string `json:"category"`
}

// DefaultPrefixRules is the table of common repository layout conventions.
func DefaultPrefixRules() []Rule {
	return []Rule{
		{".github/", "ci"},
		{".gitlab/", "ci"},
		{"cmd/", "entrypoints"},
		{"config/", "configuration"},
		{"deploy/", "infrastructure"},
		{"docs/", "documentation"},
		{"infra/", "infrastructure"},
		{"internal/", "source"},
		{"lib/", "source"},
		{"migrations/", "data"},
		{"pkg/", "source"},
		{"scripts/", "tooling"},
		{"spec/", "tests"},
		{"src/", "source"},
		{"terraform/", "infrastructure"},
		{"test/", "tests"},
		{"tests/", "tests"},
	}
}

// DefaultKeywordRules is the table of file name conventions.
func DefaultKeywordRules() []Rule {
	return []Rule{
		{"_test.", "tests"},
		{"test_", "tests"},
		{".spec.", "tests"},
		{"readme", "documentation"},
		{"changelog", "documentation"},
		{"contributing", "documentation"},
		{"license", "legal"},
		{"dockerfile", "infrastructure"},
		{"makefile", "tooling"},
		{"go.mod", "dependencies"},
		{"package.json", "dependencies"},
		{"requirements", "dependencies"},
	}
}

// Classification is the category assignment for one path.
type Classification struct {
	Categories []string `json:"categories"`
	Method     string   `json:"method"`
	// Registered is set when the categories come from the organizational
	// category registry.
	Registered bool `json:"registered"`
	// Conflict is set when a lower-precedence method claims the path for a
	// registered category the chosen method did not assign.
	Conflict bool `json:"conflict"`
}

// Classifier assigns changed paths to organizational categories.
type Classifier struct {
	byFile     map[string][]string
	registered map[string]bool
	prefixes   []Rule
	keywords   []Rule
}

// NewClassifier builds a classifier from the category registry (category to
// explicit member files) plus extra rules, which take precedence over the
// defaults of their kind.
func NewClassifier(registry map[string][]string, extraPrefix, extraKeyword []Rule) *Classifier {
	c := &Classifier{
		byFile:     map[string][]string{},
		registered: map[string]bool{},
		prefixes:   append(append([]Rule{}, extraPrefix...), DefaultPrefixRules()...),
		keywords:   append(append([]Rule{}, extraKeyword...), DefaultKeywordRules()...),
	}
	for cat, files := range registry {
		c.registered[cat] = true
		for _, f := range files {
			f = path.Clean(strings.TrimPrefix(f, "./"))
			c.byFile[f] = appendUnique(c.byFile[f], cat)
		}
	}
	for f := range c.byFile {
		sort.Strings(c.byFile[f])
	}
	for i := range c.keywords {
		c.keywords[i].Match = strings.ToLower(c.keywords[i].Match)
	}
	return c
}

// Registered reports whether category is in the registry.
func (c *Classifier) Registered(category string) bool {
	return c.registered[category]
}

// Classify returns the categories of p using the first method that
// matches: registry membership, then directory prefix, then file name
// keyword. A path nothing matches is uncategorized.
func (c *Classifier) Classify(p string) Classification {
	methods := []struct {
		name string
		cats []string
	}{
		{MethodRegistry, c.byFile[path.Clean(p)]},
		{MethodPrefix, c.matchPrefix(p)},
		{MethodKeyword, c.matchKeyword(p)},
	}

	var out Classification
	for _, m := range methods {
		if len(m.cats) == 0 {
			continue
		}
		if out.Method == "" {
			out.Method = m.name
			out.Categories = m.cats
			out.Registered = m.name == MethodRegistry
			continue
		}
		if c.claimsOther(out.Categories, m.cats) {
			out.Conflict = true
		}
	}
	if out.Method == "" {
		return Classification{Categories: []string{model.CategoryUncategorized}, Method: MethodNone}
	}
	if !out.Registered {
		out.Registered = c.allRegistered(out.Categories)
	}
	return out
}

func (c *Classifier) matchPrefix(p string) []string {
	for _, r := range c.prefixes {
		if strings.HasPrefix(p, r.Match) {
			return []string{r.Category}
		}
	}
	return nil
}

func (c *Classifier) matchKeyword(p string) []string {
	base := strings.ToLower(path.Base(p))
	for _, r := range c.keywords {
		if strings.Contains(base, r.Match) {
			return []string{r.Category}
		}
	}
	return nil
}

func (c *Classifier) allRegistered(cats []string) bool {
	for _, cat := range cats {
		if !c.registered[cat] {
			return false
		}
	}
	return len(cats) > 0
}

// claimsOther reports whether other holds a registered category missing
// from chosen.
func (c *Classifier) claimsOther(chosen, other []string) bool {
	for _, cat := range other {
		if c.registered[cat] && !contains(chosen, cat) {
			return true
		}
	}
	return false
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func appendUnique(s []string, v string) []string {
	if contains(s, v) {
		return s
	}
	return append(s, v)
}
