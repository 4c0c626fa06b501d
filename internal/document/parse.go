package document

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// DefaultRoot is the container element whose children are groups.
const DefaultRoot = "shop"

type node struct {
	name     string
	attrs    []Attr
	children []*node
	text     strings.Builder
}

// content returns the node's text together with all descendant text.
func (n *node) content() string {
	if len(n.children) == 0 {
		return strings.TrimSpace(n.text.String())
	}
	var b strings.Builder
	n.collect(&b)
	return strings.TrimSpace(b.String())
}

func (n *node) collect(b *strings.Builder) {
	b.WriteString(n.text.String())
	for _, c := range n.children {
		c.collect(b)
	}
}

// Parse reads an XML feed and builds a Document.
// Groups are the children of the first element named root that themselves
// contain elements. An empty root uses the document element as container.
// DOCTYPE declarations are skipped and external entities are never resolved.
func Parse(r io.Reader, root string) (*Document, error) {
	tree, err := parseTree(r)
	if err != nil {
		return nil, err
	}

	container := tree
	if root != "" {
		container = find(tree, root)
		if container == nil {
			return nil, fmt.Errorf("document: container element <%s> not found", root)
		}
	}

	doc := New()
	for _, g := range container.children {
		if len(g.children) == 0 {
			continue
		}
		records := make([]Record, 0, len(g.children))
		for _, rn := range g.children {
			records = append(records, toRecord(rn))
		}
		doc.AddGroup(g.name, records...)
	}
	return doc, nil
}

// ParseBytes is Parse over an in-memory feed.
func ParseBytes(data []byte, root string) (*Document, error) {
	return Parse(bytes.NewReader(data), root)
}

func parseTree(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	var stack []*node
	var top *node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document: malformed feed: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local}
			for _, a := range t.Attr {
				n.attrs = append(n.attrs, Attr{Name: a.Name.Local, Value: a.Value})
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if top == nil {
				top = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if top == nil {
		return nil, fmt.Errorf("document: feed has no root element")
	}
	return top, nil
}

func find(n *node, name string) *node {
	if n.name == name {
		return n
	}
	for _, c := range n.children {
		if found := find(c, name); found != nil {
			return found
		}
	}
	return nil
}

func toRecord(n *node) Record {
	rec := Record{Attrs: n.attrs}
	if len(n.children) == 0 {
		rec.Text = n.content()
		return rec
	}
	rec.Children = make([]Child, 0, len(n.children))
	for _, c := range n.children {
		rec.Children = append(rec.Children, Child{Name: c.name, Text: c.content(), Attrs: c.attrs})
	}
	return rec
}
