// Package styleproxy fetches a caller-chosen page and streams it back with a
// stylesheet injected. It has no HTTP server of its own so the same core runs
// behind fiber and inside the Workers build.
package styleproxy

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/andesco/styleproxy/pkg/config"
	"github.com/andesco/styleproxy/pkg/fallback"
	"github.com/andesco/styleproxy/pkg/rewriter"
)

// Doer sends outbound requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithClient replaces the HTTP client used for both outbound fetches.
func WithClient(client Doer) Option {
	return func(p *Proxy) {
		p.client = client
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Proxy) {
		p.log = logger
	}
}

// Proxy is the request orchestrator. It is safe for concurrent use.
type Proxy struct {
	cfg         config.Config
	client      Doer
	log         zerolog.Logger
	contentType fallback.ContentType
}

// New validates cfg and returns a Proxy.
func New(cfg config.Config, opts ...Option) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	p := &Proxy{
		cfg:         cfg,
		client:      newHTTPClient(cfg.Timeout),
		log:         zerolog.Nop(),
		contentType: cfg.ContentType(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// The timeout only covers waiting for response headers; streaming bodies are
// not cut off.
func newHTTPClient(timeout int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = time.Second * time.Duration(timeout)
	return &http.Client{Transport: transport}
}

// ProcessRequest proxies the page named by the configured query key. It never
// fails: every error is turned into a fallback page.
func (p *Proxy) ProcessRequest(ctx context.Context, query url.Values) *http.Response {
	resp, err := p.process(ctx, query)
	if err != nil {
		p.log.Warn().Err(err).Str("kind", kindOf(err)).Msg("serving fallback page")
		return p.Fallback(err)
	}
	return resp
}

// Fallback renders the usage page, with err as its error message when non-nil.
func (p *Proxy) Fallback(err error) *http.Response {
	params := fallback.Params{
		Title:        p.cfg.Title,
		Instructions: p.Usage(),
		ContentType:  p.contentType,
	}
	if err != nil {
		params.ErrorMessage = err.Error()
	}
	return fallback.Build(params)
}

// Usage returns the instructions listed on every fallback page, as markup.
func (p *Proxy) Usage() []string {
	key := html.EscapeString(p.cfg.QueryStringKey)
	usage := []string{
		fmt.Sprintf("Add <code>?%s=URL</code> to this address, where URL is the page to restyle.", key),
		"URL must be absolute and use http or https, for example <code>https://example.com/</code>.",
		"Percent-encode URL if it has a query string of its own.",
	}
	if len(p.cfg.AllowedDomains) > 0 {
		usage = append(usage, fmt.Sprintf("Only these domains can be proxied: %s.",
			html.EscapeString(strings.Join(p.cfg.AllowedDomains, ", "))))
	}
	return usage
}

func (p *Proxy) process(ctx context.Context, query url.Values) (*http.Response, error) {
	key := p.cfg.QueryStringKey
	raw := query.Get(key)
	if raw == "" {
		return nil, newError(ErrMissingParameter, fmt.Sprintf("Key %s not found in query string", key), nil)
	}

	target, err := ParseTarget(raw)
	if err != nil {
		return nil, newError(ErrInvalidURL, fmt.Sprintf(`Invalid URL "%s": %v`, raw, err), err)
	}
	if !p.allowed(target.Hostname()) {
		return nil, newError(ErrDomainNotAllowed, fmt.Sprintf("Domain %s is not allowed", target.Hostname()), nil)
	}
	if p.cfg.LogURLs {
		p.log.Info().Str("url", target.String()).Msg("proxying")
	}

	css, page, err := p.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	resp, err := rewriter.Transform(page, p.cfg.Selector, NewStyleInjector(css, p.log))
	if err != nil {
		page.Body.Close()
		return nil, err
	}
	return resp, nil
}

// ParseTarget accepts absolute http and https URLs only. Errors describe the
// problem without repeating raw.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, urlErr.Err
		}
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		if u.Scheme == "" {
			return nil, errors.New("missing scheme")
		}
		return nil, fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	u.Fragment = ""
	return u, nil
}

func (p *Proxy) allowed(host string) bool {
	if len(p.cfg.AllowedDomains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, domain := range p.cfg.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// fetch loads the stylesheet and the page at the same time. The page body is
// left open for streaming; it is closed here only when the request fails.
func (p *Proxy) fetch(ctx context.Context, target *url.URL) (string, *http.Response, error) {
	var (
		wg      conc.WaitGroup
		css     string
		cssErr  error
		page    *http.Response
		pageErr error
	)
	wg.Go(func() { css, cssErr = p.fetchStylesheet(ctx) })
	wg.Go(func() { page, pageErr = p.get(ctx, target.String()) })
	recovered := wg.WaitAndRecover()

	var err error
	switch {
	case recovered != nil:
		err = newError(ErrUpstreamFetch, fmt.Sprint(recovered.Value), recovered.AsError())
	case cssErr != nil:
		err = newError(ErrStylesheetFetch, cssErr.Error(), cssErr)
	case pageErr != nil:
		err = newError(ErrUpstreamFetch, pageErr.Error(), pageErr)
	default:
		return css, page, nil
	}
	if page != nil {
		page.Body.Close()
	}
	return "", nil, err
}

// get issues a fresh GET; the inbound request is never forwarded.
func (p *Proxy) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	return p.client.Do(req)
}
