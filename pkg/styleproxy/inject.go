package styleproxy

import (
	"regexp"

	"github.com/rs/zerolog"

	"github.com/andesco/styleproxy/pkg/rewriter"
)

var closingStyleTag = regexp.MustCompile(`(?i)</style`)

// StyleInjector appends a <style> element right after the start tag of every
// element it is invoked for.
type StyleInjector struct {
	fragment string
	log      zerolog.Logger
}

// NewStyleInjector wraps css in a style element. A closing style tag inside
// css is escaped so the fragment cannot end early.
func NewStyleInjector(css string, logger zerolog.Logger) *StyleInjector {
	return &StyleInjector{
		fragment: "<style>" + closingStyleTag.ReplaceAllString(css, `<\/style`) + "</style>",
		log:      logger,
	}
}

// Fragment returns the markup appended to each match.
func (s *StyleInjector) Fragment() string { return s.fragment }

func (s *StyleInjector) HandleElement(el *rewriter.Element) error {
	s.log.Debug().Str("tag", el.TagName()).Msg("injecting stylesheet")
	el.AppendHTML(s.fragment)
	return nil
}
