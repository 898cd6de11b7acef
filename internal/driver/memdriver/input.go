package memdriver

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/neboloop/pagewright/internal/driver"
)

// dispatch applies one input event. Behaviour attributes run after the
// default action, each a ';'-separated list of commands:
//
//	show:SEL  hide:SEL  remove:SEL  enable:SEL  disable:SEL
//	text:SEL=VALUE  goto:URL  cookie:NAME=VALUE  local:NAME=VALUE
//
// data-onclick runs on click, data-onhover on hover, data-oninput after a
// fill and data-onenter when Enter is pressed.
func (d *Driver) dispatch(p *page, id string, in driver.Input) ([]string, error) {
	n, err := p.node(id)
	if err != nil {
		return nil, err
	}

	switch in.Type {
	case driver.InputClick:
		if isDisabled(n) {
			return nil, fmt.Errorf("element is disabled")
		}
		p.toggle(n)
		bump(n, "data-clicks")
		if script, ok := attr(n, "data-onclick"); ok {
			return nil, d.run(p, script)
		}
		if n.Data == "a" {
			if href, ok := attr(n, "href"); ok && !strings.HasPrefix(href, "#") {
				return nil, d.navigate(p, resolve(p.url, href))
			}
		}
	case driver.InputHover:
		setAttr(n, "data-hovered", "true")
		if script, ok := attr(n, "data-onhover"); ok {
			return nil, d.run(p, script)
		}
	case driver.InputFill:
		if !isEditable(n) || isDisabled(n) {
			return nil, fmt.Errorf("element is not editable")
		}
		if n.Data == "input" {
			setAttr(n, "value", in.Text)
		} else {
			setText(n, in.Text)
		}
		if script, ok := attr(n, "data-oninput"); ok {
			return nil, d.run(p, script)
		}
	case driver.InputPress:
		setAttr(n, "data-last-key", in.Text)
		if in.Text == "Enter" {
			if script, ok := attr(n, "data-onenter"); ok {
				return nil, d.run(p, script)
			}
		}
	case driver.InputSelect:
		return selectOptions(n, in.Values)
	case driver.InputUpload:
		if t, _ := attr(n, "type"); n.Data != "input" || !strings.EqualFold(t, "file") {
			return nil, fmt.Errorf("element is not an <input type=file>")
		}
		names := make([]string, 0, len(in.Values))
		for _, v := range in.Values {
			names = append(names, filepath.Base(v))
		}
		setAttr(n, "data-files", strings.Join(names, ","))
	default:
		return nil, fmt.Errorf("%w: input %q", driver.ErrUnsupported, in.Type)
	}
	return nil, nil
}

// toggle flips checkable elements the way a click would.
func (p *page) toggle(n *html.Node) {
	if n.Data == "input" {
		t, _ := attr(n, "type")
		switch strings.ToLower(t) {
		case "checkbox":
			if _, on := attr(n, "checked"); on {
				removeAttr(n, "checked")
			} else {
				setAttr(n, "checked", "")
			}
		case "radio":
			name, _ := attr(n, "name")
			walk(p.root(), func(o *html.Node) {
				if o.Data == "input" {
					if ot, _ := attr(o, "type"); strings.EqualFold(ot, "radio") {
						if on, _ := attr(o, "name"); on == name && name != "" {
							removeAttr(o, "checked")
						}
					}
				}
			})
			setAttr(n, "checked", "")
		}
		return
	}
	switch role(n) {
	case "checkbox", "switch":
		v, _ := attr(n, "aria-checked")
		setAttr(n, "aria-checked", strconv.FormatBool(v != "true"))
	}
}

func selectOptions(n *html.Node, values []string) ([]string, error) {
	if n.Data != "select" {
		return nil, fmt.Errorf("element is not a <select>")
	}
	_, multiple := attr(n, "multiple")
	if len(values) > 1 && !multiple {
		return nil, fmt.Errorf("select is not multiple")
	}
	var options []*html.Node
	walk(n, func(o *html.Node) {
		if o.Data == "option" {
			options = append(options, o)
		}
	})
	var chosen []*html.Node
	for _, want := range values {
		found := false
		for _, o := range options {
			if optionValue(o) == want || driver.NormalizeText(textContent(o)) == want {
				chosen = append(chosen, o)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("option %q not found", want)
		}
	}
	for _, o := range options {
		removeAttr(o, "selected")
	}
	selected := make([]string, 0, len(chosen))
	for _, o := range chosen {
		setAttr(o, "selected", "")
		selected = append(selected, optionValue(o))
	}
	return selected, nil
}

func (d *Driver) run(p *page, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		op, arg, _ := strings.Cut(stmt, ":")
		switch op {
		case "show":
			p.each(arg, func(n *html.Node) {
				removeAttr(n, "hidden")
				removeAttr(n, "style")
			})
		case "hide":
			p.each(arg, func(n *html.Node) { setAttr(n, "hidden", "") })
		case "remove":
			p.each(arg, func(n *html.Node) {
				if n.Parent != nil {
					n.Parent.RemoveChild(n)
				}
			})
		case "enable":
			p.each(arg, func(n *html.Node) { removeAttr(n, "disabled") })
		case "disable":
			p.each(arg, func(n *html.Node) { setAttr(n, "disabled", "") })
		case "text":
			sel, val, _ := strings.Cut(arg, "=")
			p.each(sel, func(n *html.Node) { setText(n, val) })
		case "goto":
			if err := d.navigate(p, resolve(p.url, arg)); err != nil {
				return err
			}
			// the old document is gone; nothing after goto can apply
			return nil
		case "cookie":
			name, val, _ := strings.Cut(arg, "=")
			p.ctx.setCookie(name, val, p.url)
		case "local":
			name, val, _ := strings.Cut(arg, "=")
			p.ctx.setLocal(originOf(p.url), name, val)
		default:
			return fmt.Errorf("unknown behaviour %q", op)
		}
	}
	return nil
}

func (p *page) each(selector string, fn func(*html.Node)) {
	if p.doc == nil {
		return
	}
	// collect first: fn may detach nodes
	nodes := append([]*html.Node(nil), p.doc.Find(selector).Nodes...)
	for _, n := range nodes {
		fn(n)
	}
}

func bump(n *html.Node, key string) {
	v, _ := attr(n, key)
	i, _ := strconv.Atoi(v)
	setAttr(n, key, strconv.Itoa(i+1))
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
