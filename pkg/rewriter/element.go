package rewriter

import (
	"html"
	"strings"

	nethtml "golang.org/x/net/html"
)

// ElementHandler is invoked once for every element matching the selector it
// was registered with, in document order, when the element's start tag is read.
type ElementHandler interface {
	HandleElement(el *Element) error
}

// ElementHandlerFunc is an [ElementHandler] represented by a single function.
type ElementHandlerFunc func(el *Element) error

// HandleElement satisfies [ElementHandler].
func (fn ElementHandlerFunc) HandleElement(el *Element) error { return fn(el) }

// Element is the start tag currently being emitted. It is only valid for the
// duration of the handler call.
type Element struct {
	node        *nethtml.Node
	selfClosing bool
	modified    bool

	before strings.Builder
	after  strings.Builder
}

// TagName returns the lower-cased tag name.
func (e *Element) TagName() string {
	return e.node.Data
}

// Attr returns the value of the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, a := range e.node.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// Attributes returns a copy of the element's attributes in source order.
func (e *Element) Attributes() []nethtml.Attribute {
	attrs := make([]nethtml.Attribute, len(e.node.Attr))
	copy(attrs, e.node.Attr)
	return attrs
}

// SetAttr sets or adds an attribute. The start tag is re-serialized when
// attributes change; otherwise its original bytes are kept.
func (e *Element) SetAttr(name, value string) {
	name = strings.ToLower(name)
	e.modified = true
	for i, a := range e.node.Attr {
		if a.Key == name {
			e.node.Attr[i].Val = value
			return
		}
	}
	e.node.Attr = append(e.node.Attr, nethtml.Attribute{Key: name, Val: value})
}

// RemoveAttr deletes the named attribute if present.
func (e *Element) RemoveAttr(name string) {
	name = strings.ToLower(name)
	for i, a := range e.node.Attr {
		if a.Key == name {
			e.node.Attr = append(e.node.Attr[:i], e.node.Attr[i+1:]...)
			e.modified = true
			return
		}
	}
}

// Before inserts escaped text before the start tag.
func (e *Element) Before(text string) {
	e.before.WriteString(html.EscapeString(text))
}

// BeforeHTML inserts raw markup before the start tag.
func (e *Element) BeforeHTML(markup string) {
	e.before.WriteString(markup)
}

// Append inserts escaped text immediately after the start tag, following
// anything inserted by earlier calls on the same element.
func (e *Element) Append(text string) {
	e.after.WriteString(html.EscapeString(text))
}

// AppendHTML inserts raw markup immediately after the start tag, following
// anything inserted by earlier calls on the same element.
func (e *Element) AppendHTML(markup string) {
	e.after.WriteString(markup)
}

// startTag renders the start tag from the element's current attributes.
func (e *Element) startTag() string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(e.node.Data)
	for _, a := range e.node.Attr {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.Val))
		b.WriteByte('"')
	}
	if e.selfClosing {
		b.WriteString(" /")
	}
	b.WriteByte('>')
	return b.String()
}
