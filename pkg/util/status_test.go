package util_test

import (
	"context"
	"testing"

	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatusWrap(t *testing.T) {
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.NotFound, "Layer sha256:abc: Blob not found"),
		util.StatusWrap(status.Error(codes.NotFound, "Blob not found"), "Layer sha256:abc"))
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.DataLoss, "Broken chain: Blob not found"),
		util.StatusWrapWithCode(status.Error(codes.NotFound, "Blob not found"), codes.DataLoss, "Broken chain"))
}

func TestStatusFromContext(t *testing.T) {
	require.NoError(t, util.StatusFromContext(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := util.StatusFromContext(ctx)
	require.Equal(t, codes.Canceled, status.Code(err))
	require.True(t, util.IsCancellation(err))
	require.False(t, util.IsCancellation(status.Error(codes.Aborted, "Exit code 1")))
}
