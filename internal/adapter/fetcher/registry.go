package fetcher

import (
	"fmt"
	"regexp"

	"github.com/mkrull/boorud/internal/config"
)

// rule is a compiled fetch rule.
type rule struct {
	name    string
	pattern *regexp.Regexp
	command string
	args    []string
}

// Registry holds compiled fetch rules in configuration order.
type Registry struct {
	rules []rule
}

// NewRegistry compiles the configured rules.
func NewRegistry(rules []config.FetchRule) (*Registry, error) {
	r := &Registry{}
	for _, rc := range rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("fetcher %q: invalid pattern %q: %w", rc.Name, rc.Pattern, err)
		}
		r.rules = append(r.rules, rule{
			name:    rc.Name,
			pattern: re,
			command: rc.Command,
			args:    rc.Args,
		})
	}
	return r, nil
}

// Match returns the first rule matching the URL, or nil.
func (r *Registry) Match(url string) *rule {
	for i := range r.rules {
		if r.rules[i].pattern.MatchString(url) {
			return &r.rules[i]
		}
	}
	return nil
}
