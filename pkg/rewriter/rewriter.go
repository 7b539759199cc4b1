// Package rewriter rewrites HTML as it streams. Handlers are bound to CSS
// selectors and see each matching element's start tag in document order;
// everything they do not touch is copied through byte for byte.
package rewriter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/cascadia"
	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	readBufferSize  = 4096
	writeBufferSize = 4096

	// maxDepth bounds the ancestor stack. Elements nested deeper are still
	// matched but are not tracked as ancestors.
	maxDepth = 256
)

type binding struct {
	selector string
	sel      cascadia.Sel
	handler  ElementHandler
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithMaxTagSize limits how many bytes a single start or end tag may occupy.
// Exceeding it fails the rewrite with html.ErrBufferExceeded. Text, comments
// and the contents of script and style elements are streamed whatever their
// length.
func WithMaxTagSize(n int) Option {
	return func(r *Rewriter) {
		r.maxTagSize = n
	}
}

// Rewriter holds selector bindings. It keeps no per-document state, so one
// Rewriter may serve any number of concurrent rewrites once configured.
type Rewriter struct {
	bindings   []binding
	maxTagSize int
}

// New returns a Rewriter without bindings; it copies input to output unchanged.
func New(opts ...Option) *Rewriter {
	r := &Rewriter{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseSelector compiles a selector the way On does.
func ParseSelector(selector string) (cascadia.Sel, error) {
	sel, err := cascadia.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return sel, nil
}

// On binds handler to selector. Bindings fire in registration order and
// independently of each other.
func (r *Rewriter) On(selector string, handler ElementHandler) error {
	if handler == nil {
		return errors.New("rewriter: nil handler")
	}
	sel, err := ParseSelector(selector)
	if err != nil {
		return err
	}
	r.bindings = append(r.bindings, binding{selector: selector, sel: sel, handler: handler})
	return nil
}

// Rewrite copies src to dst, running bound handlers on matching start tags.
// Output produced from the input read so far is flushed to dst before each
// further read from src. At most one tag and one read buffer of input are
// held at a time.
func (r *Rewriter) Rewrite(dst io.Writer, src io.Reader) error {
	w := bufio.NewWriterSize(dst, writeBufferSize)
	s := &stream{
		bindings: r.bindings,
		maxTag:   r.maxTagSize,
		r:        bufio.NewReaderSize(&flushReader{r: src, w: w}, readBufferSize),
		w:        w,
		stack:    []*nethtml.Node{{Type: nethtml.DocumentNode}},
	}
	if err := s.run(); err != io.EOF {
		return err
	}
	return w.Flush()
}

// Transform returns a response whose body is src's body rewritten on the fly.
// Status and headers are kept; Content-Length is dropped since the body length
// changes. The rewrite runs until the body is drained or closed.
func (r *Rewriter) Transform(src *http.Response) *http.Response {
	pr, pw := io.Pipe()
	go func() {
		err := r.Rewrite(pw, src.Body)
		src.Body.Close()
		pw.CloseWithError(err)
	}()

	dst := *src
	dst.Header = src.Header.Clone()
	dst.Header.Del("Content-Length")
	dst.ContentLength = -1
	dst.Body = &transformBody{PipeReader: pr, upstream: src.Body}
	return &dst
}

// Transform rewrites src with a single selector binding.
func Transform(src *http.Response, selector string, handler ElementHandler) (*http.Response, error) {
	r := New()
	if err := r.On(selector, handler); err != nil {
		return nil, err
	}
	return r.Transform(src), nil
}

type stream struct {
	bindings []binding
	maxTag   int
	r        *bufio.Reader
	w        *bufio.Writer

	stack []*nethtml.Node
	// overflow counts open elements that did not fit on the stack.
	overflow int
	// rawTag is the element whose contents are raw text, if any.
	rawTag string

	tag []byte
	seg bytes.Reader
}

// emitTag runs a complete tag segment through the tokenizer. The segment is
// written out unchanged unless a handler modifies the element.
func (s *stream) emitTag() error {
	s.seg.Reset(s.tag)
	z := nethtml.NewTokenizer(&s.seg)
	switch tt := z.Next(); tt {
	case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
		return s.startTag(z, tt == nethtml.SelfClosingTagToken)
	case nethtml.EndTagToken:
		return s.endTag(z)
	default:
		_, err := s.w.Write(s.tag)
		return err
	}
}

func (s *stream) startTag(z *nethtml.Tokenizer, selfClosing bool) error {
	name, more := z.TagName()
	node := &nethtml.Node{
		Type:     nethtml.ElementNode,
		DataAtom: atom.Lookup(name),
		Data:     string(name),
		Parent:   s.stack[len(s.stack)-1],
	}
	for more {
		var key, val []byte
		key, val, more = z.TagAttr()
		node.Attr = append(node.Attr, nethtml.Attribute{Key: string(key), Val: string(val)})
	}
	if !selfClosing && !isVoid(node.DataAtom) {
		if len(s.stack) < maxDepth {
			s.stack = append(s.stack, node)
		} else {
			s.overflow++
		}
	}
	if rawTextElements[node.DataAtom] {
		s.rawTag = node.Data
	}

	var el *Element
	for _, b := range s.bindings {
		if !b.sel.Match(node) {
			continue
		}
		if el == nil {
			el = &Element{node: node, selfClosing: selfClosing}
		}
		if err := b.handler.HandleElement(el); err != nil {
			return fmt.Errorf("handler for %q on <%s>: %w", b.selector, node.Data, err)
		}
	}
	if el == nil {
		_, err := s.w.Write(s.tag)
		return err
	}

	s.w.WriteString(el.before.String())
	if el.modified {
		s.w.WriteString(el.startTag())
	} else {
		s.w.Write(s.tag)
	}
	_, err := s.w.WriteString(el.after.String())
	return err
}

func (s *stream) endTag(z *nethtml.Tokenizer) error {
	s.rawTag = ""
	if s.overflow > 0 {
		// Closes an element that was never put on the stack.
		s.overflow--
		_, err := s.w.Write(s.tag)
		return err
	}

	name, _ := z.TagName()
	// Pop to the nearest open element of the same name; stray end tags leave
	// the stack alone. Index 0 is the document node.
	for i := len(s.stack) - 1; i > 0; i-- {
		if s.stack[i].Data == string(name) {
			clear(s.stack[i:])
			s.stack = s.stack[:i]
			break
		}
	}
	_, err := s.w.Write(s.tag)
	return err
}

func isVoid(a atom.Atom) bool {
	switch a {
	case atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img,
		atom.Input, atom.Keygen, atom.Link, atom.Meta, atom.Param, atom.Source,
		atom.Track, atom.Wbr:
		return true
	}
	return false
}

// flushReader pushes pending output downstream before blocking on more input.
type flushReader struct {
	r io.Reader
	w *bufio.Writer
}

func (f *flushReader) Read(p []byte) (int, error) {
	if err := f.w.Flush(); err != nil {
		return 0, err
	}
	return f.r.Read(p)
}

// transformBody also closes the upstream body so a rewrite blocked on a slow
// origin ends when the consumer goes away.
type transformBody struct {
	*io.PipeReader
	upstream io.Closer
}

func (b *transformBody) Close() error {
	err := b.PipeReader.Close()
	b.upstream.Close()
	return err
}
