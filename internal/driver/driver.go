// Package driver defines the boundary between the engine and a controllable
// browser. Everything the engine knows about a page arrives through Send.
package driver

import (
	"context"
	"fmt"
)

// Driver is a request/response channel to one browser instance.
// Implementations must be safe for concurrent use across pages.
type Driver interface {
	Send(ctx context.Context, cmd Command) (Response, error)
	Close() error
}

// Kind names a driver command.
type Kind string

const (
	CmdNewContext   Kind = "context.new"
	CmdCloseContext Kind = "context.close"
	CmdStorage      Kind = "context.storage"
	CmdNewPage      Kind = "page.new"
	CmdClosePage    Kind = "page.close"
	CmdNavigate     Kind = "page.navigate"
	CmdPageInfo     Kind = "page.info"
	CmdNextFrame    Kind = "page.frame"
	CmdScreenshot   Kind = "page.screenshot"
	CmdQuery        Kind = "dom.query"
	CmdDescribe     Kind = "dom.describe"
	CmdHitTest      Kind = "dom.hittest"
	CmdDispatch     Kind = "input.dispatch"
)

// Mutating reports whether the command changes page or session state.
func (k Kind) Mutating() bool {
	switch k {
	case CmdDispatch, CmdNavigate, CmdNewContext, CmdCloseContext, CmdNewPage, CmdClosePage:
		return true
	}
	return false
}

// Command is a single driver request. Only the fields relevant to Kind are set.
type Command struct {
	Kind      Kind            `json:"kind"`
	ContextID string          `json:"contextId,omitempty"`
	PageID    string          `json:"pageId,omitempty"`
	ElementID string          `json:"elementId,omitempty"`
	Scope     string          `json:"scope,omitempty"`
	Predicate *Predicate      `json:"predicate,omitempty"`
	URL       string          `json:"url,omitempty"`
	Options   *ContextOptions `json:"options,omitempty"`
	Storage   *StorageState   `json:"storage,omitempty"`
	Input     *Input          `json:"input,omitempty"`
	Point     *Point          `json:"point,omitempty"`
	FullPage  bool            `json:"fullPage,omitempty"`
}

func (c Command) String() string {
	switch {
	case c.ElementID != "":
		return fmt.Sprintf("%s page=%s element=%s", c.Kind, c.PageID, c.ElementID)
	case c.PageID != "":
		return fmt.Sprintf("%s page=%s", c.Kind, c.PageID)
	case c.ContextID != "":
		return fmt.Sprintf("%s context=%s", c.Kind, c.ContextID)
	}
	return string(c.Kind)
}

// Response carries the result of a command. Only the fields relevant to the
// command kind are set.
type Response struct {
	ContextID string        `json:"contextId,omitempty"`
	PageID    string        `json:"pageId,omitempty"`
	URL       string        `json:"url,omitempty"`
	Title     string        `json:"title,omitempty"`
	Elements  []ElementInfo `json:"elements,omitempty"`
	Element   *ElementState `json:"element,omitempty"`
	Storage   *StorageState `json:"storage,omitempty"`
	Hit       bool          `json:"hit,omitempty"`
	Values    []string      `json:"values,omitempty"`
	Data      []byte        `json:"data,omitempty"`
}

// PredicateKind selects how the driver narrows candidates for a query.
type PredicateKind string

const (
	// PredicateAll returns every element under the scope.
	PredicateAll PredicateKind = "all"
	// PredicateCSS evaluates Selector as a CSS selector.
	PredicateCSS PredicateKind = "css"
	// PredicateXPath evaluates Selector as an XPath expression.
	PredicateXPath PredicateKind = "xpath"
	// PredicateRole returns elements whose computed role equals Role.
	PredicateRole PredicateKind = "role"
	// PredicateText returns elements whose text contains Text, ignoring case
	// and whitespace runs.
	PredicateText PredicateKind = "text"
	// PredicateAttr returns elements carrying attribute Attr.
	PredicateAttr PredicateKind = "attr"
	// PredicateLabel returns form controls with at least one label.
	PredicateLabel PredicateKind = "label"
)

// Predicate narrows a query. For every kind except CSS and XPath the driver
// may return a superset; the locator applies the exact match rules.
type Predicate struct {
	Kind     PredicateKind `json:"kind"`
	Selector string        `json:"selector,omitempty"`
	Role     string        `json:"role,omitempty"`
	Text     string        `json:"text,omitempty"`
	Attr     string        `json:"attr,omitempty"`
}

// ElementInfo describes a query match. ID is stable for as long as the
// underlying node stays in the document.
type ElementInfo struct {
	ID         string            `json:"id"`
	ParentID   string            `json:"parentId,omitempty"`
	Tag        string            `json:"tag"`
	Role       string            `json:"role,omitempty"`
	Name       string            `json:"name,omitempty"`
	Text       string            `json:"text,omitempty"`
	Labels     []string          `json:"labels,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attr returns an attribute value and whether it is present.
func (e ElementInfo) Attr(name string) (string, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// Rect is a bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the middle of the box.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Empty reports a zero-area box.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Point is a viewport coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ElementState is the live state of one element.
type ElementState struct {
	Box        Rect              `json:"box"`
	Visible    bool              `json:"visible"`
	Enabled    bool              `json:"enabled"`
	Editable   bool              `json:"editable"`
	Checked    *bool             `json:"checked,omitempty"`
	Text       string            `json:"text,omitempty"`
	Value      string            `json:"value,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// InputType is the kind of input dispatched by CmdDispatch.
type InputType string

const (
	InputClick  InputType = "click"
	InputHover  InputType = "hover"
	InputFill   InputType = "fill"
	InputPress  InputType = "press"
	InputSelect InputType = "select"
	InputUpload InputType = "upload"
)

// Input is the payload of CmdDispatch. Point is the viewport coordinate for
// pointer input; Text is the fill value or key chord; Values holds select
// options or file paths.
type Input struct {
	Type   InputType `json:"type"`
	Point  *Point    `json:"point,omitempty"`
	Text   string    `json:"text,omitempty"`
	Values []string  `json:"values,omitempty"`
}

// Viewport is the page size for a new context.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// ContextOptions configure CmdNewContext.
type ContextOptions struct {
	BaseURL     string    `json:"baseURL,omitempty"`
	Viewport    *Viewport `json:"viewport,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Locale      string    `json:"locale,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
}

// Cookie mirrors the storageState cookie shape.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// NameValue is one local storage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState is the local storage of one origin.
type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// StorageState is cookies plus per-origin local storage.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Clone returns a deep copy.
func (s *StorageState) Clone() *StorageState {
	if s == nil {
		return nil
	}
	out := &StorageState{
		Cookies: append([]Cookie(nil), s.Cookies...),
		Origins: make([]OriginState, len(s.Origins)),
	}
	for i, o := range s.Origins {
		out.Origins[i] = OriginState{
			Origin:       o.Origin,
			LocalStorage: append([]NameValue(nil), o.LocalStorage...),
		}
	}
	return out
}
