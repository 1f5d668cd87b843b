package util_test

import (
	"testing"

	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type exampleConfiguration struct {
	Path        string `json:"path"`
	Concurrency int    `json:"concurrency"`
}

func TestUnmarshalConfigurationFromJsonnet(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var configuration exampleConfiguration
		require.NoError(t, util.UnmarshalConfigurationFromJsonnet(
			"config.jsonnet",
			`{ path: '/var/lib/' + 'containerbuilder', concurrency: 2 * 4 }`,
			&configuration))
		require.Equal(t, exampleConfiguration{
			Path:        "/var/lib/containerbuilder",
			Concurrency: 8,
		}, configuration)
	})

	t.Run("UnknownField", func(t *testing.T) {
		var configuration exampleConfiguration
		err := util.UnmarshalConfigurationFromJsonnet(
			"config.jsonnet",
			`{ path: '/tmp', concurency: 1 }`,
			&configuration)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("SyntaxError", func(t *testing.T) {
		var configuration exampleConfiguration
		err := util.UnmarshalConfigurationFromJsonnet("config.jsonnet", `{ path: `, &configuration)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}
