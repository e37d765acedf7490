package transform_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/shipyard/internal/transform"
	"github.com/shipyard/shipyard/pkg/types"
)

func TestLookupProfile_RuntimeEngines(t *testing.T) {
	server, err := transform.LookupProfile(types.ProfileServer)
	require.NoError(t, err)
	assert.Equal(t, transform.PlatformNode, server.Platform)
	assert.Equal(t, []transform.RuntimeEngine{{Name: "node", Version: "8.3"}}, server.Engines)

	client, err := transform.LookupProfile(types.ProfileClient)
	require.NoError(t, err)
	assert.Equal(t, transform.PlatformBrowser, client.Platform)
	require.Len(t, client.Engines, 4)
	assert.Equal(t, transform.RuntimeEngine{Name: "chrome", Version: "61"}, client.Engines[0])
}

func TestLookupProfile_Unknown(t *testing.T) {
	_, err := transform.LookupProfile("browser")
	require.Error(t, err)
	assert.ErrorIs(t, err, transform.ErrUnknownProfile)
	assert.ElementsMatch(t, []types.ProfileName{types.ProfileClient, types.ProfileServer}, transform.ProfileNames())
}
