package memdriver

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/neboloop/pagewright/internal/driver"
)

const rowHeight = 24

type page struct {
	id       string
	ctx      *browserContext
	url      string
	doc      *goquery.Document
	loadedAt time.Time
	pending  []Mutation
	frame    int
	seq      int
	ids      map[*html.Node]string
	nodes    map[string]*html.Node
}

func (p *page) load(rawURL string, doc *goquery.Document, mutations []Mutation, now time.Time) {
	p.url = rawURL
	p.doc = doc
	p.loadedAt = now
	p.frame = 0
	p.pending = append([]Mutation(nil), mutations...)
	sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].After < p.pending[j].After })
	p.ids = make(map[*html.Node]string)
	p.nodes = make(map[string]*html.Node)
}

func (p *page) title() string {
	if p.doc == nil {
		return ""
	}
	return driver.NormalizeText(p.doc.Find("title").First().Text())
}

func (p *page) root() *html.Node {
	if p.doc == nil || len(p.doc.Nodes) == 0 {
		return nil
	}
	return p.doc.Nodes[0]
}

func (p *page) idOf(n *html.Node) string {
	if id, ok := p.ids[n]; ok {
		return id
	}
	p.seq++
	id := "e" + strconv.Itoa(p.seq)
	p.ids[n] = id
	p.nodes[id] = n
	return id
}

// node resolves an element id, failing with ErrDetached when the node was
// removed or the document was replaced.
func (p *page) node(id string) (*html.Node, error) {
	n, ok := p.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrDetached, id)
	}
	root := p.root()
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", driver.ErrDetached, id)
}

func (p *page) query(scope string, pred *driver.Predicate) ([]driver.ElementInfo, error) {
	root := p.root()
	if root == nil {
		return nil, nil
	}
	if scope != "" {
		n, err := p.node(scope)
		if err != nil {
			return nil, err
		}
		root = n
	}
	if pred == nil {
		pred = &driver.Predicate{Kind: driver.PredicateAll}
	}

	var nodes []*html.Node
	switch pred.Kind {
	case driver.PredicateCSS:
		m, err := cascadia.Compile(pred.Selector)
		if err != nil {
			return nil, fmt.Errorf("invalid selector %q: %w", pred.Selector, err)
		}
		nodes = goquery.NewDocumentFromNode(root).FindMatcher(m).Nodes
	case driver.PredicateXPath:
		return nil, fmt.Errorf("%w: xpath", driver.ErrUnsupported)
	default:
		walk(root, func(n *html.Node) {
			if n != root && p.coarse(n, pred) {
				nodes = append(nodes, n)
			}
		})
	}

	out := make([]driver.ElementInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, p.info(n))
	}
	return out, nil
}

func (p *page) coarse(n *html.Node, pred *driver.Predicate) bool {
	if nonRendered(n) || insideHead(n) {
		return false
	}
	switch pred.Kind {
	case driver.PredicateRole:
		return strings.EqualFold(role(n), pred.Role)
	case driver.PredicateText:
		return driver.ContainsFold(textContent(n), pred.Text)
	case driver.PredicateAttr:
		_, ok := attr(n, pred.Attr)
		return ok
	case driver.PredicateLabel:
		return len(p.labels(n)) > 0
	}
	return true
}

func (p *page) info(n *html.Node) driver.ElementInfo {
	info := driver.ElementInfo{
		ID:         p.idOf(n),
		Tag:        n.Data,
		Role:       role(n),
		Name:       p.accessibleName(n),
		Text:       driver.NormalizeText(textContent(n)),
		Labels:     p.labels(n),
		Attributes: attrMap(n),
	}
	if n.Parent != nil && n.Parent.Type == html.ElementNode {
		info.ParentID = p.idOf(n.Parent)
	}
	return info
}

func (p *page) describe(id string) (*driver.ElementState, error) {
	n, err := p.node(id)
	if err != nil {
		return nil, err
	}
	hidden := isHidden(n)
	st := &driver.ElementState{
		Enabled:    !isDisabled(n),
		Text:       driver.NormalizeText(textContent(n)),
		Value:      value(n),
		Attributes: attrMap(n),
	}
	if !hidden {
		st.Box = p.box(n)
		st.Visible = !st.Box.Empty()
	}
	st.Editable = st.Enabled && isEditable(n)
	if c, ok := checked(n); ok {
		st.Checked = &c
	}
	return st, nil
}

// box returns the laid out bounding box, including animation offset.
func (p *page) box(n *html.Node) driver.Rect {
	var r driver.Rect
	if v, ok := attr(n, "data-box"); ok {
		r = parseBox(v)
	} else {
		idx := p.rowIndex(n)
		if idx < 0 {
			return driver.Rect{}
		}
		r = driver.Rect{X: 0, Y: float64(idx * rowHeight), Width: 200, Height: rowHeight - 4}
	}
	if v, ok := attr(n, "data-animate"); ok {
		frames := p.frame
		if limit, ok := attr(n, "data-animate-frames"); ok {
			if l, err := strconv.Atoi(limit); err == nil && frames > l {
				frames = l
			}
		}
		d := parseBox(v + ",0,0")
		r.X += d.X * float64(frames)
		r.Y += d.Y * float64(frames)
	}
	return r
}

// rowIndex is the element's position among body elements, used for the
// default stacked layout.
func (p *page) rowIndex(target *html.Node) int {
	body := p.body()
	if body == nil {
		return -1
	}
	idx, found := -1, false
	walk(body, func(n *html.Node) {
		if found {
			return
		}
		idx++
		if n == target {
			found = true
		}
	})
	if !found {
		return -1
	}
	return idx
}

func (p *page) body() *html.Node {
	if p.doc == nil {
		return nil
	}
	sel := p.doc.Find("body")
	if sel.Length() == 0 {
		return nil
	}
	return sel.Nodes[0]
}

func (p *page) hitTest(id string, pt *driver.Point) (bool, error) {
	n, err := p.node(id)
	if err != nil {
		return false, err
	}
	if isHidden(n) {
		return false, nil
	}
	at := p.box(n).Center()
	if pt != nil {
		at = *pt
	}
	top := p.topmost(at)
	return top != nil && (top == n || contains(n, top)), nil
}

// topmost returns the element painted last at pt: highest effective z,
// then latest in document order.
func (p *page) topmost(pt driver.Point) *html.Node {
	body := p.body()
	if body == nil {
		return nil
	}
	var (
		best  *html.Node
		bestZ int
	)
	walk(body, func(n *html.Node) {
		if isHidden(n) {
			return
		}
		b := p.box(n)
		if b.Empty() || pt.X < b.X || pt.X >= b.X+b.Width || pt.Y < b.Y || pt.Y >= b.Y+b.Height {
			return
		}
		if z := zIndex(n); best == nil || z >= bestZ {
			best, bestZ = n, z
		}
	})
	return best
}

func (p *page) screenshot(id string, vp driver.Viewport) ([]byte, error) {
	w, h := vp.Width, vp.Height
	if id != "" {
		n, err := p.node(id)
		if err != nil {
			return nil, err
		}
		b := p.box(n)
		w, h = int(b.Width), int(b.Height)
	}
	w, h = clamp(w, 1, 4096), clamp(h, 1, 4096)
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		fn(c)
		walk(c, fn)
	}
}

func contains(ancestor, n *html.Node) bool {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func attrMap(n *html.Node) map[string]string {
	if len(n.Attr) == 0 {
		return nil
	}
	m := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		m[a.Key] = a.Val
	}
	return m
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

func setText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

func nonRendered(n *html.Node) bool {
	switch n.Data {
	case "head", "script", "style", "template", "noscript", "title", "meta", "link":
		return true
	}
	return false
}

func insideHead(n *html.Node) bool {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.Data == "head" {
			return true
		}
	}
	return false
}

func isHidden(n *html.Node) bool {
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if nonRendered(cur) {
			return true
		}
		if _, ok := attr(cur, "hidden"); ok {
			return true
		}
		if style, ok := attr(cur, "style"); ok {
			s := strings.ReplaceAll(strings.ToLower(style), " ", "")
			if strings.Contains(s, "display:none") || strings.Contains(s, "visibility:hidden") {
				return true
			}
		}
		if cur == n && cur.Data == "input" {
			if t, _ := attr(cur, "type"); strings.EqualFold(t, "hidden") {
				return true
			}
		}
	}
	return false
}

func isDisabled(n *html.Node) bool {
	if v, ok := attr(n, "aria-disabled"); ok && v == "true" {
		return true
	}
	switch n.Data {
	case "button", "input", "select", "textarea", "option", "fieldset":
	default:
		return false
	}
	if _, ok := attr(n, "disabled"); ok {
		return true
	}
	for cur := n.Parent; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if cur.Data == "fieldset" {
			if _, ok := attr(cur, "disabled"); ok {
				return true
			}
		}
	}
	return false
}

var nonTextInputs = map[string]bool{
	"button": true, "submit": true, "reset": true, "image": true, "checkbox": true,
	"radio": true, "file": true, "hidden": true, "range": true, "color": true,
}

func isEditable(n *html.Node) bool {
	if _, ok := attr(n, "readonly"); ok {
		return false
	}
	if v, ok := attr(n, "aria-readonly"); ok && v == "true" {
		return false
	}
	switch n.Data {
	case "textarea":
		return true
	case "input":
		t, _ := attr(n, "type")
		return !nonTextInputs[strings.ToLower(t)]
	}
	if v, ok := attr(n, "contenteditable"); ok && v != "false" {
		return true
	}
	return false
}

func checked(n *html.Node) (bool, bool) {
	if n.Data == "input" {
		t, _ := attr(n, "type")
		if t = strings.ToLower(t); t == "checkbox" || t == "radio" {
			_, on := attr(n, "checked")
			return on, true
		}
	}
	switch role(n) {
	case "checkbox", "switch", "radio", "menuitemcheckbox":
		v, _ := attr(n, "aria-checked")
		return v == "true", true
	}
	return false, false
}

func value(n *html.Node) string {
	switch n.Data {
	case "input":
		v, _ := attr(n, "value")
		return v
	case "textarea":
		return textContent(n)
	case "select":
		var selected []string
		walk(n, func(o *html.Node) {
			if o.Data == "option" {
				if _, ok := attr(o, "selected"); ok {
					selected = append(selected, optionValue(o))
				}
			}
		})
		return strings.Join(selected, ",")
	}
	if _, ok := attr(n, "contenteditable"); ok {
		return textContent(n)
	}
	return ""
}

func optionValue(o *html.Node) string {
	if v, ok := attr(o, "value"); ok {
		return v
	}
	return driver.NormalizeText(textContent(o))
}

func zIndex(n *html.Node) int {
	z := 0
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if v, ok := attr(cur, "data-z"); ok {
			if i, err := strconv.Atoi(v); err == nil && i > z {
				z = i
			}
		}
	}
	return z
}

func parseBox(v string) driver.Rect {
	parts := strings.Split(v, ",")
	vals := make([]float64, 4)
	for i := 0; i < 4 && i < len(parts); i++ {
		vals[i], _ = strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
	}
	return driver.Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortOrigins(origins []driver.OriginState) {
	sort.Slice(origins, func(i, j int) bool { return origins[i].Origin < origins[j].Origin })
}
