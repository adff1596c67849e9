// File: internal/resolver/resolver.go

// Package resolver maps a match criterion to a concrete element inside a UI
// snapshot. Resolution is deterministic for a fixed tree and criteria:
// depth-first pre-order, first match wins.
package resolver

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// Traversal bounds. UI dumps are occasionally pathological (webviews nesting
// thousands of nodes); the resolver refuses to walk past these.
const (
	maxDepth = 64
	maxNodes = 10000
)

// Resolver locates elements within UI snapshots.
type Resolver struct {
	logger *zap.Logger
}

// New creates a Resolver.
func New(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger.Named("resolver")}
}

// Resolve walks the tree depth-first pre-order and returns the first node
// matching criteria and vetoed by none of the excludes. If the matched node
// is not itself actionable, the nearest actionable ancestor observed during
// descent is returned instead. Returns nil when nothing matches.
func (r *Resolver) Resolve(criteria schemas.MatchCriteria, tree *schemas.UINode, excludes ...schemas.MatchCriteria) *schemas.UINode {
	if tree == nil {
		return nil
	}
	m := r.newMatcher(criteria)

	var found *schemas.UINode
	visited := 0

	// ancestors carries the actionable nodes on the current root path.
	var walk func(n *schemas.UINode, depth int, actionable *schemas.UINode) bool
	walk = func(n *schemas.UINode, depth int, actionable *schemas.UINode) bool {
		if n == nil || depth > maxDepth {
			return false
		}
		visited++
		if visited > maxNodes {
			r.logger.Warn("Traversal node budget exhausted", zap.Int("max_nodes", maxNodes))
			return true // Stop the walk entirely.
		}

		if n.Clickable && n.Enabled {
			actionable = n
		}

		if m.matches(n) && !r.excluded(n, excludes) {
			if isActionable(n) {
				found = n
			} else if actionable != nil {
				found = actionable
			} else {
				// No actionable ancestor on the path; surface the raw match
				// and let the executor tap its center.
				found = n
			}
			return true
		}

		for i := range n.Children {
			if walk(&n.Children[i], depth+1, actionable) {
				return true
			}
		}
		return false
	}

	walk(tree, 0, nil)
	return found
}

// ResolveAll returns every matching node in pre-order, subject to the same
// traversal bounds. Used by data extraction.
func (r *Resolver) ResolveAll(criteria schemas.MatchCriteria, tree *schemas.UINode, excludes ...schemas.MatchCriteria) []*schemas.UINode {
	if tree == nil {
		return nil
	}
	m := r.newMatcher(criteria)

	var out []*schemas.UINode
	visited := 0

	var walk func(n *schemas.UINode, depth int)
	walk = func(n *schemas.UINode, depth int) {
		if n == nil || depth > maxDepth || visited > maxNodes {
			return
		}
		visited++
		if m.matches(n) && !r.excluded(n, excludes) {
			out = append(out, n)
		}
		for i := range n.Children {
			walk(&n.Children[i], depth+1)
		}
	}

	walk(tree, 0)
	return out
}

func (r *Resolver) excluded(n *schemas.UINode, excludes []schemas.MatchCriteria) bool {
	for _, ex := range excludes {
		if r.newMatcher(ex).matches(n) {
			return true
		}
	}
	return false
}

func isActionable(n *schemas.UINode) bool {
	return n.Clickable && n.Enabled
}

// -- Matching --

type matcher struct {
	criteria schemas.MatchCriteria
	re       *regexp.Regexp
	// degraded is set when a regex criterion failed to compile; the matcher
	// falls closed to the numeral heuristic instead of propagating the parse
	// error.
	degraded bool
}

func (r *Resolver) newMatcher(c schemas.MatchCriteria) *matcher {
	m := &matcher{criteria: c}
	if c.Kind == schemas.MatchRegex {
		re, err := regexp.Compile(c.Value)
		if err != nil {
			r.logger.Warn("Malformed regex criterion, degrading to numeral heuristic",
				zap.String("pattern", c.Value), zap.Error(err))
			m.degraded = true
		} else {
			m.re = re
		}
	}
	return m
}

func (m *matcher) matches(n *schemas.UINode) bool {
	for _, field := range [...]string{n.Text, n.ContentDesc} {
		if field == "" {
			continue
		}
		if m.matchesField(field) {
			return true
		}
	}
	return false
}

func (m *matcher) matchesField(field string) bool {
	switch m.criteria.Kind {
	case schemas.MatchExact:
		return field == m.criteria.Value
	case schemas.MatchRegex:
		if m.degraded {
			return matchesNumeralHeuristic(m.criteria.Value, field)
		}
		return m.re.MatchString(field)
	default: // MatchContains and unspecified.
		if containsFold(field, m.criteria.Value) {
			return true
		}
		return matchesSemantic(m.criteria.Value, field)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// -- Semantic equivalence --

// closureTerms maps a query term to labels that mean the same thing in common
// app chrome, including CJK variants. A "like" query should also land on a
// "favorite" button.
var closureTerms = map[string][]string{
	"like":     {"favorite", "favourite", "heart", "thumb", "赞", "点赞", "いいね"},
	"favorite": {"like", "favourite", "heart", "收藏", "お気に入り"},
	"comment":  {"reply", "评论", "回复", "コメント"},
	"share":    {"forward", "分享", "转发", "シェア"},
	"follow":   {"subscribe", "关注", "フォロー"},
	"search":   {"find", "搜索", "検索"},
}

func matchesSemantic(query, field string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if equivalents, ok := closureTerms[q]; ok {
		for _, eq := range equivalents {
			if containsFold(field, eq) {
				return true
			}
		}
	}
	return matchesNumeralHeuristic(query, field)
}

var (
	tenThousandQuery = regexp.MustCompile(`(?i)(ten[ -]?thousand|10000|10,000|万)`)
	// Abbreviated or raw large counts as they appear in UI labels: "1.2万",
	// "34w", "10k", "12,345", or a bare run of 5+ digits.
	largeCountLabel = regexp.MustCompile(`(?i)(\d+(\.\d+)?\s*[万wk])|(\d{1,3}(,\d{3})+)|(\d{5,})`)
	thousandQuery   = regexp.MustCompile(`(?i)(thousand|1000|1,000|千)`)
	midCountLabel   = regexp.MustCompile(`(?i)(\d+(\.\d+)?\s*[千k])|(\d{4,})`)
)

// matchesNumeralHeuristic covers numeral idioms: a "ten-thousand" style query
// also matches abbreviated or raw large counts in the label. It is also the
// fail-closed fallback for malformed regex criteria.
func matchesNumeralHeuristic(query, field string) bool {
	if tenThousandQuery.MatchString(query) && largeCountLabel.MatchString(field) {
		return true
	}
	if thousandQuery.MatchString(query) && midCountLabel.MatchString(field) {
		return true
	}
	return false
}
