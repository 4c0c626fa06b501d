// Package document holds the parsed feed: named groups of ordered records.
package document

import "strings"

// Attr is a single attribute in document order.
type Attr struct {
	Name  string
	Value string
}

// Child is a direct child element of a record.
type Child struct {
	// Name is the element name as written in the feed
	Name string

	// Text is the trimmed concatenated text content of the element
	Text string

	// Attrs are the element's attributes in document order
	Attrs []Attr
}

// Attr returns the value of the named attribute. Names match case-insensitively.
func (c Child) Attr(name string) (string, bool) {
	for _, a := range c.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// Record is one element under a group, typically one future table row.
type Record struct {
	// Attrs are the record's own attributes in document order
	Attrs []Attr

	// Children are direct child elements in document order
	Children []Child

	// Text is the record's own trimmed text
	Text string
}

// HasChildren reports whether the record has any child elements.
func (r Record) HasChildren() bool {
	return len(r.Children) > 0
}

// Document is a parsed feed.
type Document struct {
	groups  []string
	records map[string][]Record
}

// New builds a document from groups in order. Used by parsers and tests.
func New() *Document {
	return &Document{records: make(map[string][]Record)}
}

// AddGroup appends records to a group, registering the group on first use.
// Repeated group elements are merged in document order.
func (d *Document) AddGroup(name string, records ...Record) {
	if _, ok := d.records[name]; !ok {
		d.groups = append(d.groups, name)
		d.records[name] = []Record{}
	}
	d.records[name] = append(d.records[name], records...)
}

// Groups returns the group names in document order.
func (d *Document) Groups() []string {
	out := make([]string, len(d.groups))
	copy(out, d.groups)
	return out
}

// HasGroup reports whether the document contains the named group.
func (d *Document) HasGroup(name string) bool {
	_, ok := d.records[name]
	return ok
}

// Records returns the records of a group in document order.
// A missing group yields no records.
func (d *Document) Records(group string) []Record {
	return d.records[group]
}

// RecordCount returns the total number of records across all groups.
func (d *Document) RecordCount() int {
	n := 0
	for _, recs := range d.records {
		n += len(recs)
	}
	return n
}
