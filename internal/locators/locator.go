// Package locators holds the per-platform URL, selector and category tables
// that drive the automation worker. The tables describe pages we do not
// control and are expected to change; they are loaded as data and can be
// overridden from files without code changes.
package locators

import (
	"fmt"
	"strings"
)

// Kind selects how a locator value is interpreted
type Kind string

const (
	KindCSS   Kind = "css"
	KindXPath Kind = "xpath"
	KindText  Kind = "text" // element whose visible text contains Value
)

// Locator identifies one element on an external page
type Locator struct {
	Kind  Kind   `toml:"kind" yaml:"kind" json:"kind"`
	Value string `toml:"value" yaml:"value" json:"value"`
	Tag   string `toml:"tag,omitempty" yaml:"tag,omitempty" json:"tag,omitempty"` // element tag for text locators
}

// CSS builds a CSS locator
func CSS(selector string) Locator {
	return Locator{Kind: KindCSS, Value: selector}
}

// XPath builds an XPath locator
func XPath(expr string) Locator {
	return Locator{Kind: KindXPath, Value: expr}
}

// Text builds a locator matching a tag by its visible text
func Text(tag, text string) Locator {
	return Locator{Kind: KindText, Tag: tag, Value: text}
}

// Query returns the selector string and whether it must be evaluated as XPath
func (l Locator) Query() (string, bool) {
	switch l.Kind {
	case KindXPath:
		return l.Value, true
	case KindText:
		tag := l.Tag
		if tag == "" {
			tag = "*"
		}
		return fmt.Sprintf("//%s[contains(normalize-space(.), %s)]", tag, xpathLiteral(l.Value)), true
	default:
		return l.Value, false
	}
}

func (l Locator) String() string {
	query, _ := l.Query()
	return string(l.kind()) + ":" + query
}

func (l Locator) kind() Kind {
	if l.Kind == "" {
		return KindCSS
	}
	return l.Kind
}

// Validate checks the locator has a usable value and kind
func (l Locator) Validate() error {
	if strings.TrimSpace(l.Value) == "" {
		return fmt.Errorf("locator value is empty")
	}
	switch l.kind() {
	case KindCSS, KindXPath, KindText:
		return nil
	default:
		return fmt.Errorf("unknown locator kind %q", l.Kind)
	}
}

// Target is an ordered list of candidate locators for one element.
// The first candidate present on the page wins.
type Target []Locator

// Empty reports whether the target has no candidates
func (t Target) Empty() bool {
	return len(t) == 0
}

// xpathLiteral quotes s for use inside an XPath expression
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, part := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+part+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
