// File: api/schemas/parameters.go
package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SwipeDirection names the four cardinal swipe directions.
type SwipeDirection string

const (
	SwipeUp    SwipeDirection = "up"
	SwipeDown  SwipeDirection = "down"
	SwipeLeft  SwipeDirection = "left"
	SwipeRight SwipeDirection = "right"
)

// MatchKind selects how MatchCriteria compares against a node.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"    // Exact text or content description.
	MatchContains MatchKind = "contains" // Substring plus semantic equivalents.
	MatchRegex    MatchKind = "regex"    // Regular expression over text and description.
)

// MatchCriteria describes how the resolver should locate an element within a
// UI snapshot.
type MatchCriteria struct {
	Kind  MatchKind `json:"kind"`
	Value string    `json:"value"`
}

// StepParams is the tagged union of per-step-type parameters. Exactly one
// variant is non-nil, matching the owning Step's Type. The indirection keeps
// the dynamically-typed maps the model emits out of the execution path: they
// are parsed into these typed fields once, at synthesis time.
type StepParams struct {
	LaunchApp *LaunchAppParams  `json:"launch_app,omitempty"`
	Tap       *TapParams        `json:"tap,omitempty"`
	Swipe     *SwipeParams      `json:"swipe,omitempty"`
	Wait      *WaitParams       `json:"wait,omitempty"`
	Find      *FindParams       `json:"find,omitempty"`
	Scroll    *ScrollFindParams `json:"scroll,omitempty"`
	Extract   *ExtractParams    `json:"extract,omitempty"`
	Input     *InputTextParams  `json:"input,omitempty"`
	Assert    *AssertParams     `json:"assert,omitempty"`
	AIDecide  *AIDecideParams   `json:"ai_decide,omitempty"`
	Search    *SearchParams     `json:"search,omitempty"`
}

// LaunchAppParams identifies the app to start and whether to drive it to a
// canonical home state before continuing.
type LaunchAppParams struct {
	Package   string `json:"package"`
	DriveHome bool   `json:"drive_home,omitempty"`
	HomeLabel string `json:"home_label,omitempty"` // Label search target for the home screen.
}

// TapParams taps either a fixed coordinate or an element resolved by criteria.
type TapParams struct {
	X        int            `json:"x,omitempty"`
	Y        int            `json:"y,omitempty"`
	Criteria *MatchCriteria `json:"criteria,omitempty"`
}

// SwipeParams computes the gesture endpoints from a direction and a relative
// screen fraction.
type SwipeParams struct {
	Direction  SwipeDirection `json:"direction"`
	Fraction   float64        `json:"fraction,omitempty"` // Portion of the screen to cross, (0,1]; default 0.5.
	DurationMs int            `json:"duration_ms,omitempty"`
}

// WaitParams pauses execution.
type WaitParams struct {
	DurationMs int `json:"duration_ms"`
}

// FindParams resolves an element and taps it.
type FindParams struct {
	Criteria MatchCriteria   `json:"criteria"`
	Excludes []MatchCriteria `json:"excludes,omitempty"`
}

// ScrollFindParams repeatedly swipes and resolves until the target appears.
type ScrollFindParams struct {
	Criteria    MatchCriteria   `json:"criteria"`
	Excludes    []MatchCriteria `json:"excludes,omitempty"`
	Direction   SwipeDirection  `json:"direction,omitempty"` // Default down.
	MaxScrolls  int             `json:"max_scrolls,omitempty"`
	TapOnFind   bool            `json:"tap_on_find"` // Defaults to true when omitted.
	// ValidateLanding rejects landing pages matching live/streaming signatures
	// and navigates back to retry the search.
	ValidateLanding bool `json:"validate_landing,omitempty"`
}

// ExtractParams collects text for a named output field.
type ExtractParams struct {
	Field     string `json:"field"`
	MinLength int    `json:"min_length,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
	Separator string `json:"separator,omitempty"` // Required substring, e.g. ":" for timestamps.
}

// InputTextParams sets text on the focused editable node, optionally tapping
// a target first.
type InputTextParams struct {
	Text     string         `json:"text"`
	Criteria *MatchCriteria `json:"criteria,omitempty"`
	Submit   bool           `json:"submit,omitempty"`
}

// AssertParams verifies the presence of an element.
type AssertParams struct {
	Criteria MatchCriteria `json:"criteria"`
}

// AIDecideParams delegates a sub-decision to the model.
type AIDecideParams struct {
	Question string `json:"question"`
}

// SearchParams drives a search affordance: tap it, enter the query, submit.
type SearchParams struct {
	Query string `json:"query"`
}

// Validate checks that the variant matching the step type is present and
// minimally well-formed. It is called once when a script is parsed.
func (p StepParams) Validate(t StepType) error {
	switch t {
	case StepLaunchApp:
		if p.LaunchApp == nil || p.LaunchApp.Package == "" {
			return fmt.Errorf("launch_app params require a package name")
		}
	case StepTap:
		if p.Tap == nil {
			return fmt.Errorf("tap params missing")
		}
		if p.Tap.Criteria == nil && p.Tap.X == 0 && p.Tap.Y == 0 {
			return fmt.Errorf("tap params require coordinates or criteria")
		}
	case StepSwipe:
		if p.Swipe == nil || p.Swipe.Direction == "" {
			return fmt.Errorf("swipe params require a direction")
		}
	case StepWait:
		if p.Wait == nil || p.Wait.DurationMs <= 0 {
			return fmt.Errorf("wait params require a positive duration_ms")
		}
	case StepFindAndTap:
		if p.Find == nil || p.Find.Criteria.Value == "" {
			return fmt.Errorf("find_and_tap params require criteria")
		}
	case StepScrollUntilFind:
		if p.Scroll == nil || p.Scroll.Criteria.Value == "" {
			return fmt.Errorf("scroll_until_find params require criteria")
		}
	case StepExtractData:
		if p.Extract == nil || p.Extract.Field == "" {
			return fmt.Errorf("extract_data params require a field name")
		}
	case StepInputText:
		if p.Input == nil || p.Input.Text == "" {
			return fmt.Errorf("input_text params require text")
		}
	case StepAssert:
		if p.Assert == nil || p.Assert.Criteria.Value == "" {
			return fmt.Errorf("assert params require criteria")
		}
	case StepAIDecide:
		if p.AIDecide == nil || p.AIDecide.Question == "" {
			return fmt.Errorf("ai_decide params require a question")
		}
	case StepSearch:
		if p.Search == nil || p.Search.Query == "" {
			return fmt.Errorf("search params require a query")
		}
	case StepBack:
		// No parameters.
	default:
		return fmt.Errorf("unknown step type: %s", t)
	}
	return nil
}

// NormalizeCriteria coerces a loosely-specified criteria map into a
// MatchCriteria, defaulting the kind to "contains" the way model output
// usually intends.
func NormalizeCriteria(raw map[string]interface{}) (MatchCriteria, error) {
	c := MatchCriteria{Kind: MatchContains}
	if k, ok := raw["kind"].(string); ok && k != "" {
		switch MatchKind(strings.ToLower(k)) {
		case MatchExact, MatchContains, MatchRegex:
			c.Kind = MatchKind(strings.ToLower(k))
		}
	}
	if v, ok := raw["value"].(string); ok {
		c.Value = v
	} else if v, ok := raw["text"].(string); ok {
		c.Value = v
	}
	if c.Value == "" {
		b, _ := json.Marshal(raw)
		return c, fmt.Errorf("criteria missing value: %s", string(b))
	}
	return c, nil
}
