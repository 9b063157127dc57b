package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacykit/privacykit/pkg/privacykit"
	"github.com/privacykit/privacykit/pkg/privacykit/storage/memory"
)

func TestCreateAssignsManagedFields(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	created, err := b.Create(ctx, "users", privacykit.Record{"name": "Ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID())
	assert.Equal(t, 1, created[privacykit.FieldVersion])
	assert.NotNil(t, created[privacykit.FieldCreatedAt])

	// caller-supplied ids are preserved
	created, err = b.Create(ctx, "users", privacykit.Record{"id": "u1", "name": "Grace"})
	require.NoError(t, err)
	assert.Equal(t, "u1", created.ID())
}

func TestUpdateMergesAndBumpsVersion(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_, err := b.Create(ctx, "users", privacykit.Record{"id": "u1", "name": "Ada", "city": "London"})
	require.NoError(t, err)

	updated, err := b.Update(ctx, "users", "u1", privacykit.Record{"city": "Zurich"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", updated["name"], "unmentioned fields survive")
	assert.Equal(t, "Zurich", updated["city"])
	assert.Equal(t, 2, updated[privacykit.FieldVersion])

	_, err = b.Update(ctx, "users", "nope", privacykit.Record{"city": "Oslo"})
	assert.ErrorIs(t, err, privacykit.ErrRecordNotFound)
}

func TestReadReturnsCopies(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_, err := b.Create(ctx, "users", privacykit.Record{"id": "u1", "name": "Ada"})
	require.NoError(t, err)

	rec, err := b.Read(ctx, "users", "u1")
	require.NoError(t, err)
	rec["name"] = "mutated"

	again, err := b.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", again["name"])
}

func TestDeleteAndClear(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_, err := b.Create(ctx, "users", privacykit.Record{"id": "u1"})
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "users", "u1"))
	assert.ErrorIs(t, b.Delete(ctx, "users", "u1"), privacykit.ErrRecordNotFound)

	_, err = b.Create(ctx, "users", privacykit.Record{"id": "u2"})
	require.NoError(t, err)
	require.NoError(t, b.Clear(ctx, "users"))
	count, err := b.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestQueryAppliesFilter(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	for _, rec := range []privacykit.Record{
		{"id": "o1", "userId": "u1", "total": 10},
		{"id": "o2", "userId": "u1", "total": 30},
		{"id": "o3", "userId": "u2", "total": 20},
	} {
		_, err := b.Create(ctx, "orders", rec)
		require.NoError(t, err)
	}

	recs, err := b.Query(ctx, "orders", &privacykit.Filter{
		Where:   map[string]any{"userId": "u1"},
		OrderBy: []privacykit.OrderBy{{Field: "total", Direction: "desc"}},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "o2", recs[0].ID())
}

func TestBulkOperations(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	created, err := b.CreateMany(ctx, "orders", []privacykit.Record{
		{"id": "o1", "total": 10},
		{"id": "o2", "total": 20},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	updated, err := b.UpdateMany(ctx, "orders", []privacykit.Record{
		{"id": "o1", "total": 11},
		{"id": "o2", "total": 22},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated[0][privacykit.FieldVersion])

	// DeleteMany is all-or-nothing
	err = b.DeleteMany(ctx, "orders", []string{"o1", "missing"})
	assert.ErrorIs(t, err, privacykit.ErrRecordNotFound)
	count, err := b.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, b.DeleteMany(ctx, "orders", []string{"o1", "o2"}))
	count, err = b.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestTableNamesSkipsEmptyTables(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_, err := b.Create(ctx, "users", privacykit.Record{"id": "u1"})
	require.NoError(t, err)
	_, err = b.Create(ctx, "orders", privacykit.Record{"id": "o1"})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "orders", "o1"))

	names, err := b.TableNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users"}, names)
}
