package styleproxy

import (
	"context"
	"fmt"
	"io"

	"github.com/aymerick/douceur/parser"
)

const maxStylesheetSize = 1 << 20

// fetchStylesheet reads the configured stylesheet into memory. It is small
// and bounded, unlike the page, so buffering it is fine.
func (p *Proxy) fetchStylesheet(ctx context.Context) (string, error) {
	resp, err := p.get(ctx, p.cfg.StylesheetURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("stylesheet %s returned status %d", p.cfg.StylesheetURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStylesheetSize+1))
	if err != nil {
		return "", fmt.Errorf("error reading stylesheet %s: %w", p.cfg.StylesheetURL, err)
	}
	if len(body) > maxStylesheetSize {
		return "", fmt.Errorf("stylesheet %s is larger than %d bytes", p.cfg.StylesheetURL, maxStylesheetSize)
	}

	css := string(body)
	if err := p.checkStylesheet(css); err != nil {
		return "", err
	}
	return css, nil
}

// checkStylesheet rejects bodies that are not CSS, such as an HTML error page
// served with a 200 status. The stylesheet is injected as fetched.
func (p *Proxy) checkStylesheet(css string) error {
	sheet, err := parser.Parse(css)
	if err != nil {
		return fmt.Errorf("stylesheet %s is not valid CSS: %w", p.cfg.StylesheetURL, err)
	}
	p.log.Debug().
		Str("url", p.cfg.StylesheetURL).
		Int("rules", len(sheet.Rules)).
		Int("bytes", len(css)).
		Msg("stylesheet loaded")
	return nil
}
