package codec_test

import (
	"testing"

	"github.com/olcf/containerbuilder/pkg/codec"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
)

type record struct {
	Name   string            `cbor:"1,keyasint"`
	Digest digest.Digest     `cbor:"2,keyasint"`
	Labels map[string]string `cbor:"3,keyasint,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	r := record{
		Name:   "app",
		Digest: digest.SHA256.Compute([]byte("Hello")),
		Labels: map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first := codec.MustMarshal(&r)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, codec.MustMarshal(&r))
	}

	var decoded record
	require.NoError(t, codec.Unmarshal(first, &decoded))
	require.Equal(t, r, decoded)
}

func TestUnmarshalRejectsUnknownFields(t *testing.T) {
	data := codec.MustMarshal(map[int]string{1: "app", 9: "unexpected"})
	var decoded record
	testutil.RequireStatusCode(t, codes.InvalidArgument, codec.Unmarshal(data, &decoded))
}
