// Package fallback renders the self-documenting error page served whenever a
// page cannot be proxied.
package fallback

import (
	"bytes"
	"encoding/json"
	"html"
	"html/template"
	"io"
	"net/http"
	"strconv"
)

// ContentType selects the representation of a fallback page.
type ContentType string

const (
	HTML ContentType = "text/html;charset=UTF-8"
	JSON ContentType = "application/json;charset=UTF-8"
)

// ParseContentType maps a short name or media type to a ContentType.
func ParseContentType(s string) (ContentType, bool) {
	switch s {
	case "html", string(HTML):
		return HTML, true
	case "json", string(JSON):
		return JSON, true
	}
	return "", false
}

// Params describes a fallback page. Instructions are markup and are
// inserted without escaping; ErrorMessage is plain text and empty means none.
type Params struct {
	Title        string
	Instructions []string
	ErrorMessage string
	ContentType  ContentType
}

type jsonBody struct {
	Title        string   `json:"title"`
	Instructions []string `json:"instructions"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}

var pageTemplate = template.Must(template.New("fallback").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<ol>
{{range .Instructions}}<li>{{.}}</li>
{{end}}</ol>
{{if .ErrorMessage}}<h2>Error</h2>
<p>{{.ErrorMessage}}</p>
{{end}}</body>
</html>
`))

type pageData struct {
	Title        string
	Instructions []template.HTML
	ErrorMessage string
}

// Build renders p. It always returns a complete 200 response; any value of
// ContentType other than JSON produces HTML.
func Build(p Params) *http.Response {
	if p.ContentType == JSON {
		return newResponse(JSON, renderJSON(p))
	}
	return newResponse(HTML, renderHTML(p))
}

func renderJSON(p Params) []byte {
	instructions := p.Instructions
	if instructions == nil {
		instructions = []string{}
	}
	body, err := json.Marshal(jsonBody{
		Title:        p.Title,
		Instructions: instructions,
		ErrorMessage: p.ErrorMessage,
	})
	if err != nil {
		// Unreachable for string fields, but the page must still be valid JSON.
		body, _ = json.Marshal(map[string]string{"title": p.Title, "errorMessage": err.Error()})
	}
	return body
}

func renderHTML(p Params) []byte {
	data := pageData{Title: p.Title, ErrorMessage: p.ErrorMessage}
	for _, ins := range p.Instructions {
		data.Instructions = append(data.Instructions, template.HTML(ins))
	}
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		buf.Reset()
		buf.WriteString("<!DOCTYPE html><p>")
		buf.WriteString(html.EscapeString(p.Title + ": " + p.ErrorMessage))
		buf.WriteString("</p>")
	}
	return buf.Bytes()
}

func newResponse(ct ContentType, body []byte) *http.Response {
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   {string(ct)},
			"Content-Length": {strconv.Itoa(len(body))},
		},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
}
