package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURLKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "trims whitespace", in: "  https://wecandoo.fr/atelier/a  ", want: "https://wecandoo.fr/atelier/a"},
		{name: "lowercases scheme and host", in: "HTTPS://WeCanDoo.FR/atelier/A", want: "https://wecandoo.fr/atelier/A"},
		{name: "drops default port", in: "https://wecandoo.fr:443/atelier/a", want: "https://wecandoo.fr/atelier/a"},
		{name: "drops fragment", in: "https://wecandoo.fr/atelier/a#reviews", want: "https://wecandoo.fr/atelier/a"},
		{name: "keeps query", in: "https://wecandoo.fr/atelier/a?b=2&a=1", want: "https://wecandoo.fr/atelier/a?b=2&a=1"},
		{name: "relative falls back to trimmed", in: " /atelier/a ", want: "/atelier/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, URLKey(tt.in))
		})
	}
}

func TestURLKeyIsStable(t *testing.T) {
	t.Parallel()

	in := " HTTPS://WECANDOO.FR/atelier/poterie#x "
	require.Equal(t, URLKey(in), URLKey(URLKey(in)))
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://wecandoo.fr/ateliers?page=2")
	require.NoError(t, err)

	got, ok := ResolveURL(base, "/atelier/poterie")
	require.True(t, ok)
	require.Equal(t, "https://wecandoo.fr/atelier/poterie", got)

	got, ok = ResolveURL(base, "https://other.example/atelier/x")
	require.True(t, ok)
	require.Equal(t, "https://other.example/atelier/x", got)

	_, ok = ResolveURL(base, "   ")
	require.False(t, ok)
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "wecandoo.fr", Host("https://WECANDOO.fr/ateliers"))
	require.Equal(t, "unknown", Host("::not a url"))
}
