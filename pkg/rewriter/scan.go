package rewriter

import (
	"bytes"
	"io"

	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements whose contents are not markup; only their own end tag closes them.
var rawTextElements = map[atom.Atom]bool{
	atom.Iframe:    true,
	atom.Noembed:   true,
	atom.Noframes:  true,
	atom.Noscript:  true,
	atom.Plaintext: true,
	atom.Script:    true,
	atom.Style:     true,
	atom.Textarea:  true,
	atom.Title:     true,
	atom.Xmp:       true,
}

var commentOpen = []byte("<!--")

// run splits the input into text and markup. Text, comments, doctypes and
// raw text are copied through as they arrive; only tags are collected whole
// and handed to the tokenizer. It returns io.EOF once the input is consumed.
func (s *stream) run() error {
	for {
		if err := s.copyText(); err != nil {
			return err
		}
		if err := s.markup(); err != nil {
			return err
		}
	}
}

// buffered returns the unread bytes, reading more only when none are left.
func (s *stream) buffered() ([]byte, error) {
	if s.r.Buffered() == 0 {
		if _, err := s.r.Peek(1); err != nil {
			return nil, err
		}
	}
	return s.r.Peek(s.r.Buffered())
}

func (s *stream) pass(buf []byte) {
	s.w.Write(buf)
	s.r.Discard(len(buf))
}

// copyText writes text through up to the next '<' that may start markup.
// Inside raw text that is only the element's own end tag.
func (s *stream) copyText() error {
	for {
		buf, err := s.buffered()
		if err != nil {
			return err
		}
		i := bytes.IndexByte(buf, '<')
		if i < 0 {
			s.pass(buf)
			continue
		}
		s.pass(buf[:i])
		if s.rawTag == "" || s.atRawEndTag() {
			return nil
		}
		// The peek may have moved the buffer, so buf is stale here.
		s.w.WriteByte('<')
		s.r.Discard(1)
	}
}

func (s *stream) atRawEndTag() bool {
	if s.rawTag == "plaintext" {
		return false
	}
	n := len("</") + len(s.rawTag)
	buf, _ := s.r.Peek(n + 1)
	if len(buf) < n+1 || buf[1] != '/' || !bytes.EqualFold(buf[2:n], []byte(s.rawTag)) {
		return false
	}
	switch buf[n] {
	case ' ', '\n', '\r', '\t', '\f', '/', '>':
		return true
	}
	return false
}

// markup handles the construct starting at the '<' under the cursor.
func (s *stream) markup() error {
	buf, _ := s.r.Peek(len(commentOpen))
	switch {
	case len(buf) >= 2 && isASCIILetter(buf[1]),
		len(buf) >= 3 && buf[1] == '/' && isASCIILetter(buf[2]):
		return s.tagToken()
	case bytes.HasPrefix(buf, commentOpen):
		return s.comment()
	case len(buf) >= 2 && (buf[1] == '!' || buf[1] == '?' || buf[1] == '/'):
		// Doctype, bogus comment or "</>".
		return s.copyThrough('>')
	default:
		s.pass(buf[:1])
		return nil
	}
}

func (s *stream) copyThrough(delim byte) error {
	for {
		buf, err := s.buffered()
		if err != nil {
			return err
		}
		if i := bytes.IndexByte(buf, delim); i >= 0 {
			s.pass(buf[:i+1])
			return nil
		}
		s.pass(buf)
	}
}

// comment copies a comment through its end, following the tokenizer's rules:
// "-->" or "--!>" close it, as does ">" right after the opening dashes.
func (s *stream) comment() error {
	s.pass(commentOpen)
	dashes, beginning, bang := 0, true, false
	for {
		buf, err := s.buffered()
		if err != nil {
			return err
		}
		for i, c := range buf {
			end := false
			switch {
			case bang:
				bang = false
				if c == '-' {
					dashes, beginning = 1, false
					continue
				}
				end = c == '>'
			case c == '-':
				dashes++
				continue
			case c == '>':
				end = dashes >= 2 || beginning
			case c == '!' && dashes >= 2:
				bang = true
				continue
			}
			if end {
				s.pass(buf[:i+1])
				return nil
			}
			dashes, beginning = 0, false
		}
		s.pass(buf)
	}
}

// tagToken collects one start or end tag and emits it. A tag cut off by the
// end of input is written out as it is.
func (s *stream) tagToken() error {
	err := s.readTag()
	if err == io.EOF {
		s.w.Write(s.tag)
	}
	if err != nil {
		return err
	}
	return s.emitTag()
}

func (s *stream) readTag() error {
	s.tag = s.tag[:0]
	state, quote := tagOpen, byte(0)
	for {
		buf, err := s.buffered()
		if err != nil {
			return err
		}
		n := len(buf)
		for i, c := range buf {
			if state, quote = state.next(c, quote); state == tagEnd {
				n = i + 1
				break
			}
		}
		s.tag = append(s.tag, buf[:n]...)
		s.r.Discard(n)
		if s.maxTag > 0 && len(s.tag) > s.maxTag {
			return nethtml.ErrBufferExceeded
		}
		if state == tagEnd {
			return nil
		}
	}
}

// tagState tracks where a '>' would close the tag, mirroring how the
// tokenizer reads names and quoted or unquoted attribute values.
type tagState uint8

const (
	tagOpen tagState = iota
	tagName
	beforeAttr
	attrKey
	afterKey
	beforeValue
	quotedValue
	unquotedValue
	tagEnd
)

func (st tagState) next(c, quote byte) (tagState, byte) {
	switch st {
	case tagOpen:
		if c == '<' || c == '/' {
			return tagOpen, 0
		}
		return tagName, 0
	case tagName:
		switch {
		case c == '>':
			return tagEnd, 0
		case isSpace(c) || c == '/':
			return beforeAttr, 0
		}
		return tagName, 0
	case beforeAttr:
		switch {
		case c == '>':
			return tagEnd, 0
		case isSpace(c) || c == '/':
			return beforeAttr, 0
		}
		return attrKey, 0
	case attrKey, afterKey:
		switch {
		case c == '>':
			return tagEnd, 0
		case c == '=':
			return beforeValue, 0
		case c == '/':
			return beforeAttr, 0
		case isSpace(c):
			return afterKey, 0
		}
		return attrKey, 0
	case beforeValue:
		switch {
		case c == '>':
			return tagEnd, 0
		case c == '"' || c == '\'':
			return quotedValue, c
		case isSpace(c):
			return beforeValue, 0
		}
		return unquotedValue, 0
	case quotedValue:
		if c == quote {
			return beforeAttr, 0
		}
		return quotedValue, quote
	case unquotedValue:
		switch {
		case c == '>':
			return tagEnd, 0
		case isSpace(c):
			return beforeAttr, 0
		}
		return unquotedValue, 0
	}
	return tagEnd, 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f'
}

func isASCIILetter(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}
