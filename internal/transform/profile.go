// Package transform compiles source files into the output tree under a
// named environment profile.
package transform

import (
	"errors"
	"fmt"

	"github.com/shipyard/shipyard/pkg/types"
)

// ErrUnknownProfile is returned when a stage names a profile that does not exist
var ErrUnknownProfile = errors.New("unknown environment profile")

// Platform is the runtime a profile targets
type Platform string

const (
	PlatformBrowser Platform = "browser"
	PlatformNode    Platform = "node"
)

// RuntimeEngine is one runtime version constraint, e.g. {node 8.3}
type RuntimeEngine struct {
	Name    string
	Version string
}

// Profile is a fixed set of syntax transforms and runtime constraints
type Profile struct {
	Name     types.ProfileName
	Platform Platform
	// Language level syntax is lowered to
	Target string
	// Engines constrain the output further than Target
	Engines []RuntimeEngine
	// Transforms lists the applied syntax/feature transforms in order
	Transforms []string
}

var profiles = map[types.ProfileName]Profile{
	types.ProfileClient: {
		Name:     types.ProfileClient,
		Platform: PlatformBrowser,
		Target:   "es2017",
		Engines: []RuntimeEngine{
			{Name: "chrome", Version: "61"},
			{Name: "firefox", Version: "60"},
			{Name: "safari", Version: "11"},
			{Name: "edge", Version: "16"},
		},
		Transforms: []string{
			"typescript",
			"react-jsx",
			"object-rest-spread",
			"class-properties",
			"dynamic-import",
			"commonjs-modules",
		},
	},
	types.ProfileServer: {
		Name:     types.ProfileServer,
		Platform: PlatformNode,
		Target:   "es2017",
		Engines: []RuntimeEngine{
			{Name: "node", Version: "8.3"},
		},
		Transforms: []string{
			"typescript",
			"react-jsx",
			"object-rest-spread",
			"class-properties",
			"dynamic-import-node",
			"commonjs-modules",
		},
	},
}

// LookupProfile returns the profile registered under name
func LookupProfile(name types.ProfileName) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// ProfileNames lists the predefined profile names
func ProfileNames() []types.ProfileName {
	return []types.ProfileName{types.ProfileClient, types.ProfileServer}
}
