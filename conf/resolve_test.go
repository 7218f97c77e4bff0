package conf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/migux/conf"
)

func TestResolve_RequiresAtLeastOneServer(t *testing.T) {
	_, err := conf.Resolve(&conf.Bootstrap{})
	require.Error(t, err)
}

func TestResolve_MultipleServersProduceOneViewEach(t *testing.T) {
	bc := &conf.Bootstrap{
		Server: []*conf.Server{
			{Listen: "127.0.0.1:8080", Root: "/srv/a"},
			{Listen: "127.0.0.1:8081", Root: "/srv/b"},
		},
	}

	v, err := conf.Resolve(bc)
	require.NoError(t, err)
	require.Len(t, v.Servers, 2)
	assert.Equal(t, "127.0.0.1:8080", v.Servers[0].Listen)
	assert.Equal(t, "127.0.0.1:8081", v.Servers[1].Listen)
}

func TestSelectServer_DisambiguatesSharedAddressByHost(t *testing.T) {
	bc := &conf.Bootstrap{
		Server: []*conf.Server{
			{Listen: "127.0.0.1:8080", ServerName: []string{"a.example"}, Root: "/srv/a"},
			{Listen: "127.0.0.1:8080", ServerName: []string{"b.example"}, Root: "/srv/b"},
		},
	}

	v, err := conf.Resolve(bc)
	require.NoError(t, err)

	got := v.SelectServer("127.0.0.1:8080", "b.example")
	require.NotNil(t, got)
	assert.Equal(t, "/srv/b", got.Root)

	// Unknown Host falls back to the first candidate for that address.
	fallback := v.SelectServer("127.0.0.1:8080", "unknown.example")
	require.NotNil(t, fallback)
	assert.Equal(t, "/srv/a", fallback.Root)
}

func TestSelectServer_SingleServerSkipsHostMatch(t *testing.T) {
	bc := &conf.Bootstrap{
		Server: []*conf.Server{{Listen: "127.0.0.1:8080", Root: "/srv/only"}},
	}

	v, err := conf.Resolve(bc)
	require.NoError(t, err)

	got := v.SelectServer("127.0.0.1:8080", "anything.example")
	require.NotNil(t, got)
	assert.Equal(t, "/srv/only", got.Root)
}
