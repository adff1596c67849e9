package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

const sampleDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node class="android.widget.FrameLayout" text="" content-desc="" resource-id="" clickable="false" enabled="true" focused="false" bounds="[0,0][1080,1920]">
    <node class="android.widget.Button" text="Sign in" content-desc="" resource-id="com.example:id/login" clickable="true" enabled="true" focused="false" bounds="[100,200][980,320]"/>
    <node class="android.widget.EditText" text="" content-desc="Username" resource-id="com.example:id/user" clickable="true" enabled="true" focused="true" bounds="[100,400][980,520]"/>
  </node>
</hierarchy>`

func TestParseHierarchy(t *testing.T) {
	tree, err := ParseHierarchy(sampleDump)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)

	frame := tree.Children[0]
	require.Len(t, frame.Children, 2)
	assert.Equal(t, schemas.Rect{X1: 0, Y1: 0, X2: 1080, Y2: 1920}, frame.Bounds)
	assert.False(t, frame.Clickable)

	button := frame.Children[0]
	assert.Equal(t, "Sign in", button.Text)
	assert.Equal(t, "com.example:id/login", button.ResourceID)
	assert.True(t, button.Clickable)
	assert.False(t, button.Editable)

	x, y := button.Bounds.Center()
	assert.Equal(t, 540, x)
	assert.Equal(t, 260, y)

	edit := frame.Children[1]
	assert.Equal(t, "Username", edit.ContentDesc)
	assert.True(t, edit.Editable, "EditText class implies editable")
	assert.True(t, edit.Focused)
}

func TestParseHierarchyErrors(t *testing.T) {
	_, err := ParseHierarchy("not xml at all <")
	assert.Error(t, err)

	_, err = ParseHierarchy(`<?xml version="1.0"?><other/>`)
	assert.Error(t, err, "a dump without a hierarchy root is rejected")
}

func TestParseBounds(t *testing.T) {
	assert.Equal(t, schemas.Rect{X1: -5, Y1: 10, X2: 200, Y2: 400}, parseBounds("[-5,10][200,400]"))
	assert.True(t, parseBounds("garbage").Empty())
	assert.True(t, parseBounds("").Empty())
}
