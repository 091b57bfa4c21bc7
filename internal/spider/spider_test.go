package spider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	s, err := r.Lookup(" Wecandoo ")
	require.NoError(t, err)
	require.Equal(t, Wecandoo, s.Name)
	require.Equal(t, 10, s.MaxPages)
	require.Equal(t, "a[href*='/atelier/']", s.Selectors.Item)

	_, err = r.Lookup("etsy")
	require.ErrorIs(t, err, crawler.ErrUnknownSpider)
	require.Contains(t, err.Error(), "wecandoo")
}

func TestRegistryOverrides(t *testing.T) {
	t.Parallel()

	r := NewRegistry(map[string]Override{
		"wecandoo": {StartURLs: []string{"https://wecandoo.fr/ateliers?city=paris"}, MaxPages: 3},
		"unknown":  {MaxPages: 99},
	})
	s, err := r.Lookup(Wecandoo)
	require.NoError(t, err)
	require.Equal(t, []string{"https://wecandoo.fr/ateliers?city=paris"}, s.StartURLs)
	require.Equal(t, 3, s.MaxPages)
	require.Equal(t, []string{"wecandoo"}, r.Names())
}
