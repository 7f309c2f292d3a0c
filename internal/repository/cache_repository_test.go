package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

func TestCacheRepositoryWithoutClientIsAlwaysEmpty(t *testing.T) {
	repo := NewCacheRepository(nil, "cca", nil)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "availability", []string{"x"}, time.Minute))
	var dest []string
	assert.ErrorIs(t, repo.Get(ctx, "availability", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Delete(ctx, "availability"))
	assert.NoError(t, repo.Ping(ctx))
	assert.NoError(t, repo.Close())
	assert.Equal(t, "cca:availability", repo.key("availability"))
}
