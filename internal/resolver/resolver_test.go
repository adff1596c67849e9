package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

func leaf(text string, clickable bool) schemas.UINode {
	return schemas.UINode{
		Class:     "android.widget.TextView",
		Text:      text,
		Clickable: clickable,
		Enabled:   true,
		Bounds:    schemas.Rect{X1: 0, Y1: 0, X2: 100, Y2: 40},
	}
}

func container(clickable bool, children ...schemas.UINode) schemas.UINode {
	return schemas.UINode{
		Class:     "android.view.ViewGroup",
		Clickable: clickable,
		Enabled:   true,
		Bounds:    schemas.Rect{X1: 0, Y1: 0, X2: 1080, Y2: 1920},
		Children:  children,
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	r := New(zap.NewNop())
	tree := container(false,
		leaf("Settings", true),
		leaf("Settings", true),
	)

	c := schemas.MatchCriteria{Kind: schemas.MatchExact, Value: "Settings"}

	first := r.Resolve(c, &tree)
	require.NotNil(t, first)
	assert.Same(t, &tree.Children[0], first, "pre-order traversal should surface the first match")

	// Same tree, same criteria: the result must be identical on every call.
	for i := 0; i < 5; i++ {
		assert.Same(t, first, r.Resolve(c, &tree))
	}
}

func TestResolveActionableAncestor(t *testing.T) {
	r := New(zap.NewNop())

	button := container(true, leaf("Confirm order", false))
	tree := container(false, button)

	node := r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "confirm"}, &tree)
	require.NotNil(t, node)
	assert.True(t, node.Clickable, "a non-actionable text match should resolve to its actionable ancestor")
	assert.Same(t, &tree.Children[0], node)
}

func TestResolveNoActionableAncestorReturnsRawMatch(t *testing.T) {
	r := New(zap.NewNop())
	tree := container(false, leaf("Plain label", false))

	node := r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "plain"}, &tree)
	require.NotNil(t, node)
	assert.Equal(t, "Plain label", node.Text)
}

func TestResolveExcludesVetoMatches(t *testing.T) {
	r := New(zap.NewNop())
	tree := container(false,
		leaf("Top live video", true),
		leaf("Top video", true),
	)

	node := r.Resolve(
		schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "video"},
		&tree,
		schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "live"},
	)
	require.NotNil(t, node)
	assert.Equal(t, "Top video", node.Text, "excluded nodes must be skipped, not end the walk")
}

func TestResolveSemanticClosure(t *testing.T) {
	r := New(zap.NewNop())
	tree := container(false,
		leaf("点赞 1.2万", true),
		leaf("分享", true),
	)

	node := r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "like"}, &tree)
	require.NotNil(t, node)
	assert.Equal(t, "点赞 1.2万", node.Text)

	node = r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "share"}, &tree)
	require.NotNil(t, node)
	assert.Equal(t, "分享", node.Text)
}

func TestResolveNumeralHeuristic(t *testing.T) {
	r := New(zap.NewNop())

	cases := []struct {
		name  string
		query string
		label string
		want  bool
	}{
		{"cjk abbreviation", "over ten thousand likes", "1.2万", true},
		{"comma separated", "10,000", "12,345", true},
		{"bare digit run", "10000", "53201", true},
		{"thousand to k", "a thousand comments", "3.4k", true},
		{"small count no match", "ten thousand", "42", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree := container(false, leaf(tc.label, true))
			node := r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: tc.query}, &tree)
			if tc.want {
				assert.NotNil(t, node)
			} else {
				assert.Nil(t, node)
			}
		})
	}
}

func TestResolveMalformedRegexDegrades(t *testing.T) {
	r := New(zap.NewNop())
	tree := container(false, leaf("1.2万", true))

	// Unclosed character class never compiles. The criterion value still
	// carries a numeral idiom, so the degraded matcher can land on the
	// abbreviated count.
	node := r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchRegex, Value: "10,000["}, &tree)
	require.NotNil(t, node)
	assert.Equal(t, "1.2万", node.Text)

	// A malformed pattern with no numeral idiom matches nothing, quietly.
	assert.Nil(t, r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchRegex, Value: "(broken"}, &tree))
}

func TestResolveValidRegex(t *testing.T) {
	r := New(zap.NewNop())
	tree := container(false,
		leaf("Order #4521", true),
		leaf("Order pending", true),
	)

	node := r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchRegex, Value: `Order #\d+`}, &tree)
	require.NotNil(t, node)
	assert.Equal(t, "Order #4521", node.Text)
}

func TestResolveContentDescFallback(t *testing.T) {
	r := New(zap.NewNop())
	icon := schemas.UINode{
		Class:       "android.widget.ImageView",
		ContentDesc: "Search",
		Clickable:   true,
		Enabled:     true,
	}
	tree := container(false, icon)

	node := r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "search"}, &tree)
	require.NotNil(t, node)
	assert.Equal(t, "Search", node.ContentDesc)
}

func TestResolveNilTree(t *testing.T) {
	r := New(zap.NewNop())
	assert.Nil(t, r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "x"}, nil))
	assert.Nil(t, r.ResolveAll(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "x"}, nil))
}

func TestResolveAll(t *testing.T) {
	r := New(zap.NewNop())
	tree := container(false,
		leaf("comment one", false),
		leaf("unrelated", false),
		container(false, leaf("comment two", false)),
	)

	nodes := r.ResolveAll(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "comment"}, &tree)
	require.Len(t, nodes, 2)
	assert.Equal(t, "comment one", nodes[0].Text)
	assert.Equal(t, "comment two", nodes[1].Text)
}

func TestResolveDepthBound(t *testing.T) {
	r := New(zap.NewNop())

	// Build a chain deeper than the traversal bound with the target at the
	// bottom; the resolver must refuse to reach it rather than recurse
	// without limit.
	target := leaf("buried", true)
	node := target
	for i := 0; i < maxDepth+10; i++ {
		node = container(false, node)
	}
	assert.Nil(t, r.Resolve(schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "buried"}, &node))
}
