package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIsCreateOnly(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	first, err := store.Create("tickets", "ticket_order-42.json", []byte(`{"amount":"49.99"}`))
	require.NoError(t, err)
	assert.Equal(t, "local://tickets/ticket_order-42.json", first.Ref)

	// A second write with different contents must not replace the evidence.
	second, err := store.Create("tickets", "ticket_order-42.json", []byte(`{"amount":"999.99"}`))
	require.NoError(t, err)
	assert.Equal(t, first.Ref, second.Ref)

	body, err := store.Get(first.Ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"49.99"}`, string(body))
}

func TestRefIsDeterministic(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, store.Ref("tickets", "a.json"), store.Ref("tickets", "a.json"))
	assert.NotEqual(t, store.Ref("tickets", "a.json"), store.Ref("webhooks", "a.json"))
}

func TestExists(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	assert.False(t, store.Exists("tickets", "ticket_order-42.json"))

	_, err = store.Create("tickets", "ticket_order-42.json", []byte(`{}`))
	require.NoError(t, err)

	assert.True(t, store.Exists("tickets", "ticket_order-42.json"))
}

func TestListCapsAndOrders(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"ticket_a.json", "ticket_b.json", "ticket_c.json"} {
		_, err = store.Create("tickets", name, []byte(`{}`))
		require.NoError(t, err)
	}

	items, err := store.List("tickets", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "ticket_b.json", items[0].Name)
	assert.Equal(t, "ticket_c.json", items[1].Name)

	empty, err := store.List("missing-group", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
