package clicks

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/vincentbai/browsetrace-replay/internal/models"
)

// Selector matches serialized elements against a CSS selector group.
type Selector struct {
	group cascadia.SelectorGroup
	raw   string
}

// CompileSelector parses a comma separated selector group. An empty string
// yields a nil Selector, which matches nothing.
func CompileSelector(sel string) (*Selector, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, nil
	}
	group, err := cascadia.ParseGroup(sel)
	if err != nil {
		return nil, err
	}
	return &Selector{group: group, raw: sel}, nil
}

func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.raw
}

// Match reports whether el matches the selector. Ancestor combinators are
// evaluated against el's Parent chain.
func (s *Selector) Match(el *models.Element) bool {
	if s == nil || el == nil {
		return false
	}
	return s.group.Match(toNode(el))
}

// toNode builds an html.Node chain for el and its ancestors, rooted in a
// document node.
func toNode(el *models.Element) *html.Node {
	doc := &html.Node{Type: html.DocumentNode}

	var chain []*models.Element
	for e := el; e != nil; e = e.Parent {
		chain = append(chain, e)
	}

	parent := doc
	var node *html.Node
	for i := len(chain) - 1; i >= 0; i-- {
		node = &html.Node{
			Type:   html.ElementNode,
			Data:   strings.ToLower(chain[i].Tag),
			Attr:   toAttrs(chain[i].Attributes),
			Parent: parent,
		}
		parent.FirstChild = node
		parent.LastChild = node
		parent = node
	}
	return node
}

func toAttrs(attrs map[string]string) []html.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]html.Attribute, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, html.Attribute{Key: strings.ToLower(k), Val: v})
	}
	return out
}
