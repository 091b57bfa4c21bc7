// Package normalize turns raw extracted fields into validated records.
package normalize

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// DefaultBaseURL is the base relative atelier links are resolved against.
const DefaultBaseURL = "https://wecandoo.fr"

// ErrRejected marks a raw record that cannot become a Record.
var ErrRejected = errors.New("record rejected")

var (
	digitRun       = regexp.MustCompile(`[0-9]+`)
	absoluteScheme = regexp.MustCompile(`(?i)^https?://`)
)

// Normalizer cleans raw records. It is safe for concurrent use.
type Normalizer struct {
	base     *url.URL
	validate *validator.Validate
}

// New builds a Normalizer resolving relative URLs against baseURL
// (DefaultBaseURL when empty).
func New(baseURL string) (*Normalizer, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Normalizer{
		base:     base,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Normalize converts raw into a Record, or returns an error wrapping
// ErrRejected when title or url is missing after trimming.
func (n *Normalizer) Normalize(raw crawler.RawRecord) (crawler.Record, error) {
	title := trimmed(raw.Title)
	if title == nil {
		return crawler.Record{}, fmt.Errorf("%w: missing title", ErrRejected)
	}
	link := trimmed(raw.URL)
	if link == nil {
		return crawler.Record{}, fmt.Errorf("%w: missing url", ErrRejected)
	}

	rec := crawler.Record{
		Title:    *title,
		URL:      n.ResolveURL(*link),
		Category: trimmed(raw.Category),
		Price:    ParsePrice(raw.Price),
		Duration: trimmed(raw.Duration),
		Location: trimmed(raw.Location),
	}
	if err := n.validate.Struct(rec); err != nil {
		return crawler.Record{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return rec, nil
}

// ResolveURL returns link unchanged when it already carries an http(s)
// scheme, otherwise resolves it against the base.
func (n *Normalizer) ResolveURL(link string) string {
	link = strings.TrimSpace(link)
	if absoluteScheme.MatchString(link) {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return strings.TrimRight(n.base.String(), "/") + "/" + strings.TrimLeft(link, "/")
	}
	return n.base.ResolveReference(ref).String()
}

// ParsePrice returns the first run of decimal digits in raw as an integer.
// Missing input, input without digits, or an overflowing run yield nil.
func ParsePrice(raw *string) *int {
	if raw == nil {
		return nil
	}
	run := digitRun.FindString(strings.TrimSpace(*raw))
	if run == "" {
		return nil
	}
	value, err := strconv.Atoi(run)
	if err != nil {
		return nil
	}
	return &value
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
