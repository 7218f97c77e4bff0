package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/pkg/errors"
	"github.com/omalloc/migux/router"
)

func testView(t *testing.T, locs []*conf.Location) *conf.View {
	t.Helper()
	bc := &conf.Bootstrap{
		Server: []*conf.Server{{
			Listen:   "127.0.0.1:8080",
			Root:     "/srv/www",
			Location: locs,
		}},
	}
	v, err := conf.Resolve(bc)
	require.NoError(t, err)
	return v
}

func TestRoute_LongestPrefixWins(t *testing.T) {
	v := testView(t, []*conf.Location{
		{Path: "/", Kind: "static"},
		{Path: "/api", Kind: "static"},
		{Path: "/api/v2", Kind: "static"},
	})

	_, loc, err := router.Route(v, "127.0.0.1:8080", "localhost", "/api/v2/users")
	require.NoError(t, err)
	assert.Equal(t, "/api/v2", loc.Path)
}

func TestRoute_TiesBrokenByConfigOrder(t *testing.T) {
	v := testView(t, []*conf.Location{
		{Path: "/x", Kind: "static", Root: "/first"},
		{Path: "/x", Kind: "static", Root: "/second"},
	})

	_, loc, err := router.Route(v, "127.0.0.1:8080", "localhost", "/x/y")
	require.NoError(t, err)
	assert.Equal(t, "/first", loc.Root)
}

func TestRoute_NoMatchIsNotFound(t *testing.T) {
	v := testView(t, []*conf.Location{
		{Path: "/only", Kind: "static"},
	})

	_, _, err := router.Route(v, "127.0.0.1:8080", "localhost", "/elsewhere")
	require.Error(t, err)
	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.Code)
}

func TestTargetPath_StripPrefix(t *testing.T) {
	loc := &conf.LocationView{Path: "/api", StripPrefix: true}
	assert.Equal(t, "/users", router.TargetPath(loc, "/api/users"))
	assert.Equal(t, "/", router.TargetPath(loc, "/api"))
}

func TestTargetPath_NoStrip(t *testing.T) {
	loc := &conf.LocationView{Path: "/api", StripPrefix: false}
	assert.Equal(t, "/api/users", router.TargetPath(loc, "/api/users"))
}

func TestRoute_MultipleServersOnSameAddressDisambiguateByHost(t *testing.T) {
	bc := &conf.Bootstrap{
		Server: []*conf.Server{
			{
				Listen:     "127.0.0.1:8080",
				ServerName: []string{"a.example"},
				Location:   []*conf.Location{{Path: "/", Kind: "static", Root: "/srv/a"}},
			},
			{
				Listen:     "127.0.0.1:8080",
				ServerName: []string{"b.example"},
				Location:   []*conf.Location{{Path: "/", Kind: "static", Root: "/srv/b"}},
			},
		},
	}
	v, err := conf.Resolve(bc)
	require.NoError(t, err)
	require.Len(t, v.Servers, 2)

	_, loc, err := router.Route(v, "127.0.0.1:8080", "b.example", "/x")
	require.NoError(t, err)
	assert.Equal(t, "/srv/b", loc.Root)

	_, loc, err = router.Route(v, "127.0.0.1:8080", "a.example", "/x")
	require.NoError(t, err)
	assert.Equal(t, "/srv/a", loc.Root)
}
