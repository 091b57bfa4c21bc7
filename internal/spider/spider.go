// Package spider holds the crawlable site definitions known to the service.
package spider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// Wecandoo is the registered name of the wecandoo.fr listing spider.
const Wecandoo = "wecandoo"

// Selectors are the fixed structural CSS selectors of one listing site.
type Selectors struct {
	Item     string
	Title    string
	Category string
	Price    string
	Caption  string
	NextPage string
}

// Spider describes where a crawl starts and how its pages are read.
type Spider struct {
	Name      string
	StartURLs []string
	BaseURL   string
	MaxPages  int
	Selectors Selectors
}

// Override replaces start URLs and max pages when set.
type Override struct {
	StartURLs []string `mapstructure:"start_urls"`
	MaxPages  int      `mapstructure:"max_pages"`
}

// WecandooSpider returns the built-in definition for wecandoo.fr.
func WecandooSpider() Spider {
	return Spider{
		Name:      Wecandoo,
		StartURLs: []string{"https://wecandoo.fr/ateliers"},
		BaseURL:   "https://wecandoo.fr",
		MaxPages:  10,
		Selectors: Selectors{
			Item:     "a[href*='/atelier/']",
			Title:    "h3",
			Category: "p.w-typo--footnote-serif",
			Price:    "span.w-typo--h6 span",
			Caption:  "p.w-typo--caption span",
			NextPage: "a[href*='page='], a[href*='/ateliers?']",
		},
	}
}

// Registry resolves spiders by name.
type Registry struct {
	spiders map[string]Spider
}

// NewRegistry registers the built-in spiders and applies overrides keyed by
// spider name. Overrides for unknown names are ignored.
func NewRegistry(overrides map[string]Override) *Registry {
	r := &Registry{spiders: map[string]Spider{}}
	r.Register(WecandooSpider())
	for name, o := range overrides {
		s, ok := r.spiders[strings.ToLower(name)]
		if !ok {
			continue
		}
		if len(o.StartURLs) > 0 {
			s.StartURLs = append([]string(nil), o.StartURLs...)
		}
		if o.MaxPages > 0 {
			s.MaxPages = o.MaxPages
		}
		r.spiders[s.Name] = s
	}
	return r
}

// Register adds or replaces a spider.
func (r *Registry) Register(s Spider) {
	r.spiders[strings.ToLower(s.Name)] = s
}

// Lookup returns the named spider or an error wrapping crawler.ErrUnknownSpider.
func (r *Registry) Lookup(name string) (Spider, error) {
	s, ok := r.spiders[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Spider{}, fmt.Errorf("%w: %q (supported: %s)",
			crawler.ErrUnknownSpider, name, strings.Join(r.Names(), ", "))
	}
	return s, nil
}

// Names returns the registered spider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.spiders))
	for name := range r.spiders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
