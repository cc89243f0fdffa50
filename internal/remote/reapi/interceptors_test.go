package reapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/turbocache/engine/internal/remote"
)

func TestRequestMetadataInterceptor_AttachesHeader(t *testing.T) {
	interceptor := requestMetadataInterceptor("turbocache-engine", "test", "inv-1")

	var seen metadata.MD
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, ok := metadata.FromOutgoingContext(ctx)
		require.True(t, ok)
		seen = md
		return nil
	}

	err := interceptor(context.Background(), "/Foo/Bar", nil, nil, nil, invoker)
	require.NoError(t, err)
	assert.NotEmpty(t, seen.Get(requestMetadataKey))
}

func TestDialOptions_ReturnsSingleChainedInterceptor(t *testing.T) {
	opts := remote.Options{Concurrency: 1}
	interceptors := DialOptions(opts, "inv-2")
	assert.Len(t, interceptors, 1, "expected a single chained unary interceptor dial option")
}
