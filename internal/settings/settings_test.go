package settings_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/database/dbtest"
	"tabesh/internal/settings"
	"tabesh/internal/utils"
)

func TestSetGetOverwrite(t *testing.T) {
	s := settings.NewStore(dbtest.New(t))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "site", map[string]string{"name": "Tabesh"}))
	require.NoError(t, s.Set(ctx, "site", map[string]string{"name": "Tabesh Print"}))

	var site map[string]string
	found, err := s.GetInto(ctx, "site", &site)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Tabesh Print", site["name"])

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetMissing(t *testing.T) {
	s := settings.NewStore(dbtest.New(t))
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, utils.ErrNotFound)

	var v map[string]int
	found, err := s.GetInto(ctx, "nope", &v)
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, s.Delete(ctx, "nope"), settings.ErrNotFound)
}

func TestSetRawRejectsInvalidJSON(t *testing.T) {
	s := settings.NewStore(dbtest.New(t))
	err := s.Set(context.Background(), "x", json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestDelete(t *testing.T) {
	s := settings.NewStore(dbtest.New(t))
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", 1))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, settings.ErrNotFound)
}
