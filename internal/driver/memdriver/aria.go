package memdriver

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/neboloop/pagewright/internal/driver"
)

var implicitRoles = map[string]string{
	"button":   "button",
	"nav":      "navigation",
	"main":     "main",
	"header":   "banner",
	"footer":   "contentinfo",
	"aside":    "complementary",
	"form":     "form",
	"table":    "table",
	"tr":       "row",
	"td":       "cell",
	"th":       "columnheader",
	"ul":       "list",
	"ol":       "list",
	"li":       "listitem",
	"dialog":   "dialog",
	"article":  "article",
	"p":        "paragraph",
	"progress": "progressbar",
	"fieldset": "group",
	"option":   "option",
	"textarea": "textbox",
	"h1":       "heading",
	"h2":       "heading",
	"h3":       "heading",
	"h4":       "heading",
	"h5":       "heading",
	"h6":       "heading",
}

var inputRoles = map[string]string{
	"button":   "button",
	"submit":   "button",
	"reset":    "button",
	"image":    "button",
	"checkbox": "checkbox",
	"radio":    "radio",
	"range":    "slider",
	"number":   "spinbutton",
	"search":   "searchbox",
	"email":    "textbox",
	"tel":      "textbox",
	"text":     "textbox",
	"url":      "textbox",
	"password": "textbox",
	"":         "textbox",
}

// nameFromContent lists roles whose accessible name falls back to text content.
var nameFromContent = map[string]bool{
	"button": true, "link": true, "heading": true, "cell": true, "columnheader": true,
	"option": true, "listitem": true, "tab": true, "menuitem": true, "switch": true,
	"checkbox": true, "radio": true, "treeitem": true, "tooltip": true, "row": true,
}

func role(n *html.Node) string {
	if r, ok := attr(n, "role"); ok {
		if fields := strings.Fields(r); len(fields) > 0 {
			return strings.ToLower(fields[0])
		}
	}
	switch n.Data {
	case "a", "area":
		if _, ok := attr(n, "href"); ok {
			return "link"
		}
		return ""
	case "input":
		t, _ := attr(n, "type")
		return inputRoles[strings.ToLower(t)]
	case "select":
		if _, ok := attr(n, "multiple"); ok {
			return "listbox"
		}
		return "combobox"
	case "img":
		if alt, ok := attr(n, "alt"); ok && alt == "" {
			return "presentation"
		}
		return "img"
	case "section":
		if _, ok := attr(n, "aria-label"); ok {
			return "region"
		}
		return ""
	}
	return implicitRoles[n.Data]
}

// accessibleName is a reduced version of the accname algorithm: labelledby,
// aria-label, native labels, alt, button value, content, title, placeholder.
func (p *page) accessibleName(n *html.Node) string {
	if ids, ok := attr(n, "aria-labelledby"); ok {
		if name := p.textOfIDs(ids); name != "" {
			return name
		}
	}
	if v, ok := attr(n, "aria-label"); ok && strings.TrimSpace(v) != "" {
		return driver.NormalizeText(v)
	}
	switch n.Data {
	case "input", "textarea", "select":
		if labels := p.nativeLabels(n); len(labels) > 0 {
			return strings.Join(labels, " ")
		}
		if n.Data == "input" {
			t, _ := attr(n, "type")
			switch t = strings.ToLower(t); t {
			case "submit", "button", "reset":
				if v, ok := attr(n, "value"); ok {
					return driver.NormalizeText(v)
				}
				if t == "submit" {
					return "Submit"
				}
				if t == "reset" {
					return "Reset"
				}
			case "image":
				if v, ok := attr(n, "alt"); ok {
					return driver.NormalizeText(v)
				}
			}
		}
	case "img", "area":
		if v, ok := attr(n, "alt"); ok {
			return driver.NormalizeText(v)
		}
	}
	if nameFromContent[role(n)] {
		if text := driver.NormalizeText(textContent(n)); text != "" {
			return text
		}
	}
	if v, ok := attr(n, "title"); ok {
		return driver.NormalizeText(v)
	}
	if v, ok := attr(n, "placeholder"); ok {
		return driver.NormalizeText(v)
	}
	return ""
}

// labels returns every label text associated with a form control.
func (p *page) labels(n *html.Node) []string {
	var out []string
	if ids, ok := attr(n, "aria-labelledby"); ok {
		if t := p.textOfIDs(ids); t != "" {
			out = append(out, t)
		}
	}
	if v, ok := attr(n, "aria-label"); ok && strings.TrimSpace(v) != "" {
		out = append(out, driver.NormalizeText(v))
	}
	switch n.Data {
	case "input", "textarea", "select", "button", "meter", "output", "progress":
		out = append(out, p.nativeLabels(n)...)
	}
	return out
}

func (p *page) nativeLabels(n *html.Node) []string {
	var out []string
	if id, ok := attr(n, "id"); ok && id != "" {
		walk(p.root(), func(l *html.Node) {
			if l.Data == "label" {
				if f, _ := attr(l, "for"); f == id {
					out = append(out, driver.NormalizeText(textContent(l)))
				}
			}
		})
	}
	for cur := n.Parent; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if cur.Data == "label" {
			if _, hasFor := attr(cur, "for"); !hasFor {
				out = append(out, driver.NormalizeText(textContent(cur)))
			}
			break
		}
	}
	return out
}

func (p *page) textOfIDs(ids string) string {
	var parts []string
	for _, id := range strings.Fields(ids) {
		if el := p.byID(id); el != nil {
			parts = append(parts, driver.NormalizeText(textContent(el)))
		}
	}
	return driver.NormalizeText(strings.Join(parts, " "))
}

func (p *page) byID(id string) *html.Node {
	var found *html.Node
	walk(p.root(), func(n *html.Node) {
		if found == nil {
			if v, _ := attr(n, "id"); v == id {
				found = n
			}
		}
	})
	return found
}
