// File: internal/device/uitree.go
package device

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

var boundsRegex = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// ParseHierarchy converts a uiautomator XML dump into a UINode snapshot tree.
func ParseHierarchy(xml string) (*schemas.UINode, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("failed to parse ui hierarchy XML: %w", err)
	}

	root := doc.SelectElement("hierarchy")
	if root == nil {
		return nil, fmt.Errorf("ui hierarchy XML missing <hierarchy> root")
	}

	top := &schemas.UINode{Class: "hierarchy", Enabled: true}
	for _, child := range root.SelectElements("node") {
		top.Children = append(top.Children, buildNode(child))
	}
	return top, nil
}

func buildNode(el *etree.Element) schemas.UINode {
	n := schemas.UINode{
		Class:       el.SelectAttrValue("class", ""),
		Text:        el.SelectAttrValue("text", ""),
		ContentDesc: el.SelectAttrValue("content-desc", ""),
		ResourceID:  el.SelectAttrValue("resource-id", ""),
		Clickable:   attrBool(el, "clickable"),
		Enabled:     attrBool(el, "enabled"),
		Focused:     attrBool(el, "focused"),
		Bounds:      parseBounds(el.SelectAttrValue("bounds", "")),
	}
	// uiautomator has no editable attribute; EditText classes are the signal.
	n.Editable = isEditableClass(n.Class)

	for _, child := range el.SelectElements("node") {
		n.Children = append(n.Children, buildNode(child))
	}
	return n
}

func attrBool(el *etree.Element, name string) bool {
	return el.SelectAttrValue(name, "false") == "true"
}

func parseBounds(s string) schemas.Rect {
	m := boundsRegex.FindStringSubmatch(s)
	if len(m) != 5 {
		return schemas.Rect{}
	}
	x1, _ := strconv.Atoi(m[1])
	y1, _ := strconv.Atoi(m[2])
	x2, _ := strconv.Atoi(m[3])
	y2, _ := strconv.Atoi(m[4])
	return schemas.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func isEditableClass(class string) bool {
	switch class {
	case "android.widget.EditText",
		"android.widget.AutoCompleteTextView",
		"android.widget.MultiAutoCompleteTextView":
		return true
	}
	return false
}
