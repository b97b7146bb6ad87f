package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/database"
	"tabesh/internal/database/dbtest"
	"tabesh/internal/models"
)

func TestCreateSchemaAndTruncate(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	require.NoError(t, database.CreateSchema(ctx, db), "schema creation must be idempotent")

	_, err := db.NewInsert().Model(&models.Setting{Name: "a", Value: `{"x":1}`}).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&models.OrderLog{OrderID: 1, Action: "created"}).Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, database.Truncate(ctx, db, database.Tables...))

	n, err := db.NewSelect().Model((*models.Setting)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = db.NewSelect().Model((*models.OrderLog)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIsUniqueViolation(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	_, err := db.NewInsert().Model(&models.Setting{Name: "dup", Value: `1`}).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&models.Setting{Name: "dup", Value: `2`}).Exec(ctx)
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))

	assert.False(t, database.IsUniqueViolation(nil))
	assert.False(t, database.IsUniqueViolation(context.Canceled))
}
