package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/evalflow/internal/pgtest"
	"github.com/pitabwire/evalflow/model"
)

func TestPgResultStore(t *testing.T) {
	pool := pgtest.Pool(t, ResultSchema)
	s := NewPgResultStore(pool)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.HealthCheck(ctx))

	t.Run("put and get", func(t *testing.T) {
		doc, err := model.DecodeDocument([]byte(`{"id":"abc","input":42}`))
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, model.ResultRecord{
			ID: "abc", ExecutionID: "exec-1", Document: doc, Artifacts: []string{"abc/input.json"},
		}))

		got, err := s.Get(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, []string{"abc/input.json"}, got.Artifacts)
		b, _ := got.Document.Bytes()
		assert.JSONEq(t, `{"id":"abc","input":42}`, string(b))
	})

	t.Run("overwrite keeps created_at", func(t *testing.T) {
		before, err := s.Get(ctx, "abc")
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, model.ResultRecord{ID: "abc", ExecutionID: "exec-2", Document: model.Document{"id": "abc"}}))
		after, err := s.Get(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "exec-2", after.ExecutionID)
		assert.Nil(t, after.Artifacts)
		assert.True(t, after.CreatedAt.Equal(before.CreatedAt))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}
