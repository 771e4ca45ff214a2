package reqid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx, id := NewContext(context.Background())
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := WithID(context.Background(), "abc")
	ctx2, id := Ensure(ctx)
	require.Equal(t, "abc", id)
	require.Equal(t, ctx, ctx2)

	_, fresh := Ensure(context.Background())
	require.NotEmpty(t, fresh)
	require.NotEqual(t, "abc", fresh)
}

func TestEmptyIDIsAbsent(t *testing.T) {
	_, ok := FromContext(WithID(context.Background(), ""))
	require.False(t, ok)
}
