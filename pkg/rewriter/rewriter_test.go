package rewriter

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nethtml "golang.org/x/net/html"
)

const fragment = "<style>body{color:red}</style>"

func appendHTML(markup string) ElementHandler {
	return ElementHandlerFunc(func(el *Element) error {
		el.AppendHTML(markup)
		return nil
	})
}

func rewrite(t *testing.T, r *Rewriter, in string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, r.Rewrite(&out, strings.NewReader(in)))
	return out.String()
}

func headRewriter(t *testing.T) *Rewriter {
	t.Helper()
	r := New()
	require.NoError(t, r.On("head", appendHTML(fragment)))
	return r
}

func TestRewriteInjectsIntoHead(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "full document",
			in:   "<!DOCTYPE html><html><head><title>t</title></head><body><p>hi</p></body></html>",
			want: "<!DOCTYPE html><html><head>" + fragment + "<title>t</title></head><body><p>hi</p></body></html>",
		},
		{
			name: "head with attributes keeps original bytes",
			in:   "<HTML><HEAD data-X='1'  lang=en></HEAD></HTML>",
			want: "<HTML><HEAD data-X='1'  lang=en>" + fragment + "</HEAD></HTML>",
		},
		{
			name: "head mentioned in script is ignored",
			in:   `<script>var s = "<head>";</script><head></head>`,
			want: `<script>var s = "<head>";</script><head>` + fragment + `</head>`,
		},
		{
			name: "head mentioned in comment is ignored",
			in:   "<!-- <head> --><head></head>",
			want: "<!-- <head> --><head>" + fragment + "</head>",
		},
		{
			name: "script with comparisons and near-miss end tags",
			in:   `<script>if (a<b && c </d) x = "</scripts><head>";</script><head></head>`,
			want: `<script>if (a<b && c </d) x = "</scripts><head>";</script><head>` + fragment + `</head>`,
		},
		{
			name: "uppercase raw text end tag",
			in:   "<STYLE>p{}</Style ><head></head>",
			want: "<STYLE>p{}</Style ><head>" + fragment + "</head>",
		},
		{
			name: "comment closed by bang",
			in:   "<!-- <head> --!><head></head>",
			want: "<!-- <head> --!><head>" + fragment + "</head>",
		},
		{
			name: "empty comment",
			in:   "<!--><head></head>",
			want: "<!--><head>" + fragment + "</head>",
		},
		{
			name: "quoted angle bracket in attribute",
			in:   `<html data-x="a>b"><head></head></html>`,
			want: `<html data-x="a>b"><head>` + fragment + `</head></html>`,
		},
		{
			name: "header element is not head",
			in:   "<html><head></head><body><header>x</header></body></html>",
			want: "<html><head>" + fragment + "</head><body><header>x</header></body></html>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rewrite(t, headRewriter(t), tt.in))
		})
	}
}

func TestRewriteWithoutMatchIsIdentity(t *testing.T) {
	inputs := map[string]string{
		"fragment":         "<p>just a <b>fragment</b></p>",
		"plain text":       "hello, world",
		"json":             `{"html": "<b", "n": 1}`,
		"truncated tag":    `<div class="a`,
		"truncated end":    "<p>x</p",
		"lone bracket":     "a < b <",
		"empty end tag":    "a</>b",
		"bogus comment":    "<?xml version=\"1.0\"?><root/>",
		"unclosed":         "<html><body><div><span>",
		"empty":            "",
		"entities":         "<p title=\"&amp;&lt;\">&copy; &#169;</p>",
		"raw text":         "<style>head { color: red }</style><textarea><head></textarea>",
		"windows breaks":   "<p>\r\n</p>\r\n",
		"unclosed script":  "<script>var s = '<head>'",
		"unclosed comment": "<!-- <head></head>",
		"bang in comment":  "<!--!> <head></head> -->",
		"plaintext":        "<plaintext></plaintext><head></head>",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, in, rewrite(t, headRewriter(t), in))
		})
	}
}

func TestRewriteAppendsOncePerHead(t *testing.T) {
	in := "<html><head></head><body><head></head></body></html>"
	out := rewrite(t, headRewriter(t), in)
	assert.Equal(t, 2, strings.Count(out, fragment))
	assert.Equal(t, in, strings.ReplaceAll(out, fragment, ""))
}

func TestRewriteIsNotIdempotent(t *testing.T) {
	in := "<html><head></head></html>"
	once := rewrite(t, headRewriter(t), in)
	twice := rewrite(t, headRewriter(t), once)
	assert.Equal(t, 1, strings.Count(once, fragment))
	assert.Equal(t, 2, strings.Count(twice, fragment))
}

func TestRewriteBindingsFireIndependently(t *testing.T) {
	r := New()
	require.NoError(t, r.On("head", appendHTML("A")))
	require.NoError(t, r.On("meta[charset]", appendHTML("B")))
	require.NoError(t, r.On("head", appendHTML("C")))

	out := rewrite(t, r, `<head><meta charset="utf-8"><meta name="x"></head>`)
	assert.Equal(t, `<head>AC<meta charset="utf-8">B<meta name="x"></head>`, out)
}

func TestRewriteSelectors(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		in       string
		want     string
	}{
		{
			name:     "child combinator",
			selector: "div > span",
			in:       "<div><span>a</span></div><span>b</span>",
			want:     "<div><span>[a</span></div><span>b</span>",
		},
		{
			name:     "descendant after close",
			selector: "div span",
			in:       "<div></div><span>b</span>",
			want:     "<div></div><span>b</span>",
		},
		{
			name:     "void elements are not ancestors",
			selector: "img span",
			in:       "<div><img src=x><span>b</span></div>",
			want:     "<div><img src=x><span>b</span></div>",
		},
		{
			name:     "class and id",
			selector: "#main .note",
			in:       `<section id="main"><p class="note big">x</p></section><p class="note">y</p>`,
			want:     `<section id="main"><p class="note big">[x</p></section><p class="note">y</p>`,
		},
		{
			name:     "stray end tag keeps ancestors",
			selector: "article p",
			in:       "<article></span><p>x</p></article>",
			want:     "<article></span><p>[x</p></article>",
		},
		{
			name:     "root",
			selector: ":root",
			in:       "<html><body></body></html>",
			want:     "<html>[<body></body></html>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			require.NoError(t, r.On(tt.selector, appendHTML("[")))
			assert.Equal(t, tt.want, rewrite(t, r, tt.in))
		})
	}
}

func TestRewriteDeepNesting(t *testing.T) {
	in := strings.Repeat("<div>", 1000) + strings.Repeat("</div>", 1000)
	r := New()
	require.NoError(t, r.On("div", appendHTML("x")))
	out := rewrite(t, r, in)
	assert.Equal(t, 1000, strings.Count(out, "<div>x"))
}

func TestElementContent(t *testing.T) {
	r := New()
	require.NoError(t, r.On("head", ElementHandlerFunc(func(el *Element) error {
		el.Before("<!-- a & b -->")
		el.BeforeHTML("<!-- raw -->")
		el.Append("<b>")
		el.AppendHTML("<b>")
		return nil
	})))
	out := rewrite(t, r, "<head></head>")
	assert.Equal(t, "&lt;!-- a &amp; b --&gt;<!-- raw --><head>&lt;b&gt;<b></head>", out)
}

func TestElementAttributes(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		r := New()
		var tag string
		var attrs []nethtml.Attribute
		var rel string
		var ok bool
		require.NoError(t, r.On("link", ElementHandlerFunc(func(el *Element) error {
			tag = el.TagName()
			attrs = el.Attributes()
			rel, ok = el.Attr("REL")
			return nil
		})))
		in := `<LINK REL="stylesheet" href="/a.css?x=1&amp;y=2">`
		assert.Equal(t, in, rewrite(t, r, in))
		assert.Equal(t, "link", tag)
		assert.True(t, ok)
		assert.Equal(t, "stylesheet", rel)
		assert.Equal(t, []nethtml.Attribute{
			{Key: "rel", Val: "stylesheet"},
			{Key: "href", Val: "/a.css?x=1&y=2"},
		}, attrs)
	})

	t.Run("modify", func(t *testing.T) {
		r := New()
		require.NoError(t, r.On("link", ElementHandlerFunc(func(el *Element) error {
			el.RemoveAttr("rel")
			el.SetAttr("href", `/b.css?"q"`)
			el.SetAttr("data-proxied", "yes")
			return nil
		})))
		out := rewrite(t, r, `<link rel="stylesheet" href="/a.css">`)
		assert.Equal(t, `<link href="/b.css?&#34;q&#34;" data-proxied="yes">`, out)
	})

	t.Run("self closing", func(t *testing.T) {
		r := New()
		require.NoError(t, r.On("br", ElementHandlerFunc(func(el *Element) error {
			el.SetAttr("class", "x")
			return nil
		})))
		assert.Equal(t, `<p><br class="x" /></p>`, rewrite(t, r, "<p><br/></p>"))
	})
}

func TestOnRejectsBadBindings(t *testing.T) {
	r := New()
	assert.Error(t, r.On("[", appendHTML("x")))
	assert.Error(t, r.On("head", nil))
	assert.Empty(t, r.bindings)
}

func TestRewriteHandlerErrorAborts(t *testing.T) {
	errBoom := errors.New("boom")
	r := New()
	require.NoError(t, r.On("head", ElementHandlerFunc(func(*Element) error { return errBoom })))

	err := r.Rewrite(io.Discard, strings.NewReader("<html><head></head></html>"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), `"head"`)
}

func TestRewriteMaxTagSize(t *testing.T) {
	r := New(WithMaxTagSize(16))
	in := `<div class="` + strings.Repeat("a", 100) + `">`
	err := r.Rewrite(io.Discard, strings.NewReader(in))
	assert.ErrorIs(t, err, nethtml.ErrBufferExceeded)

	long := "<p>" + strings.Repeat("text ", 100) + "<!--" + strings.Repeat("c", 100) + "--></p>"
	assert.Equal(t, long, rewrite(t, r, long))
}

func TestRewriteDepthOverflow(t *testing.T) {
	// The document node, section and 254 divs fill the stack; the ten inner
	// divs are not tracked and their end tags must not pop tracked ones.
	in := "<section>" +
		strings.Repeat("<div>", 253) + `<div class="deep">` +
		strings.Repeat("<div>", 10) + strings.Repeat("</div>", 10) +
		"<p>x</p>"
	r := New()
	require.NoError(t, r.On("div.deep > p", appendHTML("[")))
	out := rewrite(t, r, in)
	assert.True(t, strings.HasSuffix(out, "<p>[x</p>"), "tail: %q", out[len(out)-20:])
}

func TestRewriteStreamsBeforeSourceEnds(t *testing.T) {
	srcR, srcW := io.Pipe()
	dstR, dstW := io.Pipe()
	r := headRewriter(t)

	done := make(chan error, 1)
	go func() {
		err := r.Rewrite(dstW, srcR)
		dstW.CloseWithError(err)
		done <- err
	}()
	go srcW.Write([]byte("<html><head><title>t</title>"))

	got := readUntil(t, dstR, fragment)
	assert.Contains(t, got, "<head>"+fragment)

	go func() {
		srcW.Write([]byte("</head><body></body></html>"))
		srcW.Close()
	}()
	rest, err := io.ReadAll(dstR)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "<html><head>"+fragment+"<title>t</title></head><body></body></html>", got+string(rest))
}

func readUntil(t *testing.T, r io.Reader, want string) string {
	t.Helper()
	result := make(chan string, 1)
	go func() {
		var got []byte
		buf := make([]byte, 512)
		for !bytes.Contains(got, []byte(want)) {
			n, err := r.Read(buf)
			got = append(got, buf[:n]...)
			if err != nil {
				break
			}
		}
		result <- string(got)
	}()
	select {
	case got := <-result:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("no output while the source was still open")
		return ""
	}
}

// meter tracks how far output lags behind input.
type meter struct {
	read, written, peak int64
}

type meteredReader struct {
	m     *meter
	r     io.Reader
	chunk int
}

func (mr *meteredReader) Read(p []byte) (int, error) {
	if len(p) > mr.chunk {
		p = p[:mr.chunk]
	}
	n, err := mr.r.Read(p)
	mr.m.read += int64(n)
	if d := mr.m.read - mr.m.written; d > mr.m.peak {
		mr.m.peak = d
	}
	return n, err
}

type meteredWriter struct{ m *meter }

func (mw meteredWriter) Write(p []byte) (int, error) {
	mw.m.written += int64(len(p))
	return len(p), nil
}

type repeatReader struct {
	unit []byte
	n    int
	off  int
}

func (r *repeatReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, io.EOF
	}
	total := 0
	for total < len(p) && r.n > 0 {
		c := copy(p[total:], r.unit[r.off:])
		total += c
		r.off += c
		if r.off == len(r.unit) {
			r.off = 0
			r.n--
		}
	}
	return total, nil
}

func TestRewriteBufferingIsBounded(t *testing.T) {
	const chunk = 1024
	tests := []struct {
		name string
		head string
		unit string
		rows int
		tail string
	}{
		{
			name: "many small elements",
			head: "<!DOCTYPE html><html><head><title>big</title></head><body>\n",
			unit: `<p class="row">lorem ipsum <em>dolor</em> sit amet</p>` + "\n",
			rows: 150000,
			tail: "</body></html>\n",
		},
		{
			name: "one long text node",
			head: "<html><head></head><body><p>",
			unit: "lorem ipsum dolor sit amet ",
			rows: 200000,
			tail: "</p></body></html>",
		},
		{
			name: "one long script",
			head: "<html><head></head><body><script>",
			unit: "if (a < b) { c = \"</scrip\" + 1; }\n",
			rows: 150000,
			tail: "</script></body></html>",
		},
		{
			name: "one long comment",
			head: "<html><head></head><body><!--",
			unit: "- -> <head> > --x\n",
			rows: 300000,
			tail: "--></body></html>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &meter{}
			src := &meteredReader{
				m:     m,
				chunk: chunk,
				r: io.MultiReader(
					strings.NewReader(tt.head),
					&repeatReader{unit: []byte(tt.unit), n: tt.rows},
					strings.NewReader(tt.tail),
				),
			}
			require.NoError(t, headRewriter(t).Rewrite(meteredWriter{m}, src))

			size := int64(len(tt.head) + tt.rows*len(tt.unit) + len(tt.tail))
			assert.Equal(t, size, m.read)
			assert.Equal(t, size+int64(len(fragment)), m.written)
			assert.LessOrEqual(t, m.peak, int64(2*chunk), "unwritten input peaked at %d bytes", m.peak)
		})
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestTransformResponse(t *testing.T) {
	body := &closeTracker{Reader: strings.NewReader("<html><head></head><body>missing</body></html>")}
	src := &http.Response{
		StatusCode:    http.StatusNotFound,
		Status:        "404 Not Found",
		Header:        http.Header{"Content-Type": {"text/html"}, "Content-Length": {"47"}, "X-Origin": {"a", "b"}},
		ContentLength: 47,
		Body:          body,
	}

	out, err := Transform(src, "head", appendHTML(fragment))
	require.NoError(t, err)
	defer out.Body.Close()

	assert.Equal(t, http.StatusNotFound, out.StatusCode)
	assert.Equal(t, "404 Not Found", out.Status)
	assert.Equal(t, int64(-1), out.ContentLength)
	assert.Empty(t, out.Header.Get("Content-Length"))
	assert.Equal(t, "text/html", out.Header.Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, out.Header.Values("X-Origin"))
	assert.Equal(t, "47", src.Header.Get("Content-Length"), "source headers must not be mutated")

	got, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html><head>"+fragment+"</head><body>missing</body></html>", string(got))
	assert.True(t, body.closed)
}

func TestTransformRejectsBadSelector(t *testing.T) {
	_, err := Transform(&http.Response{Body: io.NopCloser(strings.NewReader(""))}, "a[", appendHTML(""))
	assert.Error(t, err)
}

func TestTransformCloseStopsUpstream(t *testing.T) {
	upR, upW := io.Pipe()
	out := New().Transform(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: upR})
	require.NoError(t, out.Body.Close())

	_, err := upW.Write([]byte("<p>late</p>"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
