package toybox

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStoreAddChangeRemove(t *testing.T) {
	store := NewStore()

	store.Apply(&Message{
		Msg:        MessageAdded,
		Collection: CollectionToyPrints,
		Id:         "print1",
		Fields:     map[string]any{"state": "Printing", "pauseCount": float64(0)},
	})

	document, ok := store.Get(CollectionToyPrints, "print1")
	assert.Equal(t, ok, true)
	assert.Equal(t, document["state"], "Printing")
	assert.Equal(t, document["_id"], "print1")
	assert.Equal(t, store.Size(CollectionToyPrints), 1)

	store.Apply(&Message{
		Msg:        MessageChanged,
		Collection: CollectionToyPrints,
		Id:         "print1",
		Fields:     map[string]any{"state": "paused", "pauseCount": float64(1)},
	})

	document, ok = store.Get(CollectionToyPrints, "print1")
	assert.Equal(t, ok, true)
	assert.Equal(t, document["state"], "paused")
	assert.Equal(t, document["pauseCount"], float64(1))

	store.Apply(&Message{
		Msg:        MessageRemoved,
		Collection: CollectionToyPrints,
		Id:         "print1",
	})

	_, ok = store.Get(CollectionToyPrints, "print1")
	assert.Equal(t, ok, false)
	assert.Equal(t, store.Size(CollectionToyPrints), 0)
}

func TestStoreFieldMergeAndClear(t *testing.T) {
	store := NewStore()

	store.Apply(&Message{
		Msg:        MessageAdded,
		Collection: CollectionPrinterStates,
		Id:         "p1",
		Fields:     map[string]any{"a": float64(1), "b": float64(2)},
	})
	store.Apply(&Message{
		Msg:        MessageChanged,
		Collection: CollectionPrinterStates,
		Id:         "p1",
		Fields:     map[string]any{"b": float64(3)},
		Cleared:    []string{},
	})

	document, _ := store.Get(CollectionPrinterStates, "p1")
	assert.Equal(t, document["a"], float64(1))
	assert.Equal(t, document["b"], float64(3))

	store.Apply(&Message{
		Msg:        MessageChanged,
		Collection: CollectionPrinterStates,
		Id:         "p1",
		Fields:     map[string]any{},
		Cleared:    []string{"a"},
	})

	document, _ = store.Get(CollectionPrinterStates, "p1")
	_, hasA := document["a"]
	assert.Equal(t, hasA, false)
	assert.Equal(t, document["b"], float64(3))
}

func TestStoreUnknownDocumentIsNoop(t *testing.T) {
	store := NewStore()

	store.Apply(&Message{
		Msg:        MessageAdded,
		Collection: CollectionToyPrints,
		Id:         "known",
		Fields:     map[string]any{"state": "done"},
	})

	// changed and removed for ids that never saw an added must not raise and
	// must not alter the store
	store.Apply(&Message{
		Msg:        MessageChanged,
		Collection: CollectionToyPrints,
		Id:         "ghost",
		Fields:     map[string]any{"state": "Printing"},
	})
	store.Apply(&Message{
		Msg:        MessageRemoved,
		Collection: CollectionToyPrints,
		Id:         "ghost",
	})
	store.Apply(&Message{
		Msg:        MessageChanged,
		Collection: "neverSeen",
		Id:         "ghost",
		Fields:     map[string]any{"x": float64(1)},
	})

	assert.Equal(t, store.Size(CollectionToyPrints), 1)
	assert.Equal(t, store.Size("neverSeen"), 0)
	document, ok := store.Get(CollectionToyPrints, "known")
	assert.Equal(t, ok, true)
	assert.Equal(t, document["state"], "done")
	_, ok = store.Get(CollectionToyPrints, "ghost")
	assert.Equal(t, ok, false)
}

func TestStoreAllIsSnapshot(t *testing.T) {
	store := NewStore()

	store.Apply(&Message{
		Msg:        MessageAdded,
		Collection: CollectionToyPrints,
		Id:         "print1",
		Fields:     map[string]any{"state": "Printing"},
	})

	snapshot := store.All(CollectionToyPrints)
	assert.Equal(t, len(snapshot), 1)
	assert.Equal(t, snapshot[0]["state"], "Printing")

	// later mutations do not show through documents already handed out
	store.Apply(&Message{
		Msg:        MessageChanged,
		Collection: CollectionToyPrints,
		Id:         "print1",
		Fields:     map[string]any{"state": "done"},
	})
	assert.Equal(t, snapshot[0]["state"], "Printing")

	store.Apply(&Message{
		Msg:        MessageAdded,
		Collection: CollectionToyPrints,
		Id:         "print2",
		Fields:     map[string]any{"state": "requested"},
	})
	assert.Equal(t, len(snapshot), 1)
	assert.Equal(t, len(store.All(CollectionToyPrints)), 2)
}

func TestStoreClear(t *testing.T) {
	store := NewStore()

	store.Apply(&Message{
		Msg:        MessageAdded,
		Collection: CollectionToyPrints,
		Id:         "print1",
		Fields:     map[string]any{},
	})
	store.Apply(&Message{
		Msg:        MessageAdded,
		Collection: CollectionPrinterStates,
		Id:         "p1",
		Fields:     map[string]any{},
	})
	assert.Equal(t, len(store.Collections()), 2)

	store.Clear()
	assert.Equal(t, len(store.Collections()), 0)
	assert.Equal(t, len(store.All(CollectionToyPrints)), 0)
}
