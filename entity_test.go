package restsync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestEntity(transport Transport, attributes Attributes) *Entity {
	settings := DefaultEntitySettings()
	settings.UrlRoot = "https://api.test/users"
	return NewEntity(context.Background(), transport, attributes, settings)
}

func TestEntityConstruction(t *testing.T) {
	transport := newTestTransport(nil)

	settings := DefaultEntitySettings()
	settings.DefaultAttributes = Attributes{"role": "user", "name": ""}
	entity := NewEntity(context.Background(), transport, Attributes{"name": "a"}, settings)
	defer entity.Close()

	// defaults only seed the working state. committing at construction
	// erases the distinction
	assert.Equal(t, entity.HasChanges(), false)
	assert.Equal(t, entity.RequireGet("role"), "user")
	assert.Equal(t, entity.RequireGet("name"), "a")
	assert.Equal(t, entity.IsNew(), true)
}

func TestEntityGetHas(t *testing.T) {
	transport := newTestTransport(nil)
	entity := newTestEntity(transport, Attributes{"name": "a"})
	defer entity.Close()

	value, err := entity.Get("name")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "a")

	_, err = entity.Get("missing")
	var notFound *AttributeNotFoundError
	assert.Equal(t, errors.As(err, &notFound), true)
	assert.Equal(t, notFound.Name, "missing")

	assert.Equal(t, entity.Has("name"), true)
	assert.Equal(t, entity.Has("missing"), false)
}

func TestEntityIdStability(t *testing.T) {
	transport := newTestTransport(nil)
	entity := newTestEntity(transport, Attributes{"name": "a"})
	defer entity.Close()

	// before the server assigns a key, the id is the local id
	assert.Equal(t, entity.Id(), entity.LocalId())

	entity.Set(Attributes{"id": float64(7)})
	assert.Equal(t, entity.IsNew(), false)
	assert.Equal(t, entity.Id(), float64(7))
}

func TestEntitySetDiscardRoundTrip(t *testing.T) {
	transport := newTestTransport(nil)
	entity := newTestEntity(transport, Attributes{
		"name": "a",
		"meta": Attributes{"x": float64(1)},
	})
	defer entity.Close()

	committed := entity.CommittedAttributes()

	entity.Set(Attributes{"name": "b", "extra": true})
	assert.Equal(t, entity.HasChanges(), true)

	entity.DiscardChanges()
	assert.Equal(t, entity.HasChanges(), false)
	assert.Equal(t, deepEqual(entity.Attributes(), committed), true)
}

func TestEntityReset(t *testing.T) {
	transport := newTestTransport(nil)

	settings := DefaultEntitySettings()
	settings.DefaultAttributes = Attributes{"role": "user"}
	entity := NewEntity(context.Background(), transport, Attributes{"name": "a"}, settings)
	defer entity.Close()

	entity.Reset(Attributes{"name": "b"})
	assert.Equal(t, entity.Attributes(), Attributes{"role": "user", "name": "b"})

	entity.Reset(nil)
	assert.Equal(t, entity.Attributes(), Attributes{"role": "user"})
}

func TestEntityChangesNestedMinimal(t *testing.T) {
	transport := newTestTransport(nil)
	entity := newTestEntity(transport, Attributes{
		"id":   float64(1),
		"name": "a",
		"meta": Attributes{"x": float64(1), "y": float64(2)},
	})
	defer entity.Close()

	meta := entity.RequireGet("meta").(Attributes)
	meta["y"] = float64(3)
	entity.Set(Attributes{"meta": meta})

	assert.Equal(t, entity.Changes(), Attributes{
		"meta": Attributes{"y": float64(3)},
	})
	assert.Equal(t, entity.ChangedAttributes(), []string{"meta"})
}

func TestEntityUrl(t *testing.T) {
	transport := newTestTransport(nil)

	entity := newTestEntity(transport, Attributes{"name": "a"})
	defer entity.Close()

	// no /id suffix while new
	url, err := entity.Url()
	assert.Equal(t, err, nil)
	assert.Equal(t, url, "https://api.test/users")

	entity.Set(Attributes{"id": float64(3)})
	url, err = entity.Url()
	assert.Equal(t, err, nil)
	assert.Equal(t, url, "https://api.test/users/3")

	// no url root anywhere
	orphan := NewEntityWithDefaults(context.Background(), transport, Attributes{"name": "a"})
	defer orphan.Close()
	_, err = orphan.Url()
	var missingUrl *MissingUrlError
	assert.Equal(t, errors.As(err, &missingUrl), true)

	// delegates to the owning set
	setSettings := DefaultEntitySetSettings()
	setSettings.Url = "https://api.test/items"
	set := NewEntitySet(context.Background(), transport, setSettings)
	defer set.Close()
	set.Add(orphan)
	url, err = orphan.Url()
	assert.Equal(t, err, nil)
	assert.Equal(t, url, "https://api.test/items")
}

func TestEntityFetch(t *testing.T) {
	transport := newTestTransport(func(request *testRequest) (any, error) {
		return map[string]any{"id": float64(1), "name": "server"}, nil
	})
	entity := newTestEntity(transport, Attributes{"id": float64(1), "name": "a"})
	defer entity.Close()

	operation := entity.Fetch()
	<-operation.Done()
	assert.Equal(t, operation.Err(), nil)
	assert.Equal(t, transport.lastRequest().method, "GET")
	assert.Equal(t, transport.lastRequest().url, "https://api.test/users/1")
	assert.Equal(t, entity.RequireGet("name"), "server")
	assert.Equal(t, entity.HasChanges(), false)
}

func TestEntityFetchFailureLeavesStateUnchanged(t *testing.T) {
	transport := newTestTransport(func(request *testRequest) (any, error) {
		return nil, errors.New("boom")
	})
	entity := newTestEntity(transport, Attributes{"id": float64(1), "name": "a"})
	defer entity.Close()

	before := entity.Attributes()

	operation := entity.Fetch()
	<-operation.Done()
	// the failure is observable only on the handle
	assert.NotEqual(t, operation.Err(), nil)
	assert.Equal(t, deepEqual(entity.Attributes(), before), true)
}

func TestEntitySaveNewPostsFullAttributes(t *testing.T) {
	transport := newTestTransport(func(request *testRequest) (any, error) {
		response := map[string]any{"id": float64(10)}
		for name, value := range request.body {
			response[name] = value
		}
		return response, nil
	})
	entity := newTestEntity(transport, Attributes{"name": "a"})
	defer entity.Close()

	operation := entity.Save(Attributes{"name": "b"})
	<-operation.Done()
	assert.Equal(t, operation.Err(), nil)

	assert.Equal(t, transport.lastRequest().method, "POST")
	assert.Equal(t, transport.lastRequest().url, "https://api.test/users")
	assert.Equal(t, transport.lastRequest().body, Attributes{"name": "b"})

	// server key assigned, response committed
	assert.Equal(t, entity.IsNew(), false)
	assert.Equal(t, entity.Id(), float64(10))
	assert.Equal(t, entity.HasChanges(), false)
}

func TestEntitySavePatchSendsOverrideOnly(t *testing.T) {
	transport := newTestTransport(func(request *testRequest) (any, error) {
		return map[string]any{}, nil
	})
	entity := newTestEntity(transport, Attributes{"id": float64(1), "name": "a", "role": "user"})
	defer entity.Close()

	operation := entity.Save(Attributes{"name": "b"})

	// the optimistic write is locally visible before the request settles
	assert.Equal(t, entity.RequireGet("name"), "b")

	<-operation.Done()
	assert.Equal(t, operation.Err(), nil)
	assert.Equal(t, transport.lastRequest().method, "PATCH")
	assert.Equal(t, transport.lastRequest().url, "https://api.test/users/1")
	assert.Equal(t, transport.lastRequest().body, Attributes{"name": "b"})
}

func TestEntitySaveDirtyDiff(t *testing.T) {
	transport := newTestTransport(func(request *testRequest) (any, error) {
		return map[string]any{}, nil
	})
	entity := newTestEntity(transport, Attributes{
		"id":   float64(1),
		"name": "a",
		"meta": Attributes{"x": float64(1), "y": float64(2)},
	})
	defer entity.Close()

	entity.Set(Attributes{"meta": Attributes{"x": float64(1), "y": float64(3)}})

	// no explicit attributes, patch mode sends the dirty diff
	operation := entity.Save(nil)
	<-operation.Done()
	assert.Equal(t, operation.Err(), nil)
	assert.Equal(t, transport.lastRequest().method, "PATCH")
	assert.Equal(t, transport.lastRequest().body, Attributes{
		"meta": Attributes{"y": float64(3)},
	})
	assert.Equal(t, entity.HasChanges(), false)
}

func TestEntitySaveNonPatchPut(t *testing.T) {
	transport := newTestTransport(func(request *testRequest) (any, error) {
		return map[string]any{}, nil
	})
	entity := newTestEntity(transport, Attributes{"id": float64(1), "name": "a", "role": "user"})
	defer entity.Close()

	options := DefaultSaveOptions()
	options.Patch = false
	operation := entity.SaveWithOptions(Attributes{"name": "b"}, options)
	<-operation.Done()
	assert.Equal(t, operation.Err(), nil)
	assert.Equal(t, transport.lastRequest().method, "PUT")
	// full merged state
	assert.Equal(t, transport.lastRequest().body, Attributes{
		"id":   float64(1),
		"name": "b",
		"role": "user",
	})
}

func TestEntitySaveFailureRollsBackToExactSnapshot(t *testing.T) {
	transport := newGatedTestTransport(func(request *testRequest) (any, error) {
		return nil, errors.New("boom")
	})
	entity := newTestEntity(transport, Attributes{"id": float64(1), "name": "a"})
	defer entity.Close()

	before := entity.Attributes()

	operation := entity.Save(Attributes{"name": "b"})
	assert.Equal(t, entity.RequireGet("name"), "b")

	// an unrelated field changed by the caller while the save is in flight
	// is also rolled back. rollback is a full snapshot restore
	entity.Set(Attributes{"other": "z"})

	transport.release()
	<-operation.Done()
	assert.NotEqual(t, operation.Err(), nil)
	assert.Equal(t, deepEqual(entity.Attributes(), before), true)
	assert.Equal(t, entity.Has("other"), false)
}

func TestEntitySaveKeepChanges(t *testing.T) {
	transport := newGatedTestTransport(func(request *testRequest) (any, error) {
		return map[string]any{"id": float64(1), "name": "server", "note": "fresh"}, nil
	})
	entity := newTestEntity(transport, Attributes{"id": float64(1), "name": "a", "note": "old"})
	defer entity.Close()

	options := DefaultSaveOptions()
	options.KeepChanges = true
	operation := entity.SaveWithOptions(Attributes{"name": "b"}, options)

	// a user edit made while the save is in flight
	entity.Set(Attributes{"note": "edited"})

	transport.release()
	<-operation.Done()
	assert.Equal(t, operation.Err(), nil)

	// the server data is committed, the in-flight edit is re-applied over it
	assert.Equal(t, entity.RequireGet("note"), "edited")
	assert.Equal(t, entity.CommittedAttributes()["note"], "fresh")
	assert.Equal(t, entity.HasChanges(), true)
}

func TestEntitySaveAbortKeepsOptimisticWrite(t *testing.T) {
	transport := newGatedTestTransport(func(request *testRequest) (any, error) {
		return map[string]any{}, nil
	})
	entity := newTestEntity(transport, Attributes{"id": float64(1), "name": "a"})
	defer entity.Close()

	operation := entity.Save(Attributes{"name": "b"})
	operation.Abort()
	<-operation.Done()
	assert.NotEqual(t, operation.Err(), nil)

	// abort prevents the completion handlers. it does not undo the
	// optimistic mutation. callers roll back manually
	assert.Equal(t, entity.RequireGet("name"), "b")
	entity.DiscardChanges()
	assert.Equal(t, entity.RequireGet("name"), "a")
}

func TestEntityChangeCallbacks(t *testing.T) {
	transport := newTestTransport(nil)
	entity := newTestEntity(transport, Attributes{"name": "a"})
	defer entity.Close()

	events := []*ChangeEvent{}
	unsub := entity.AddChangeCallback(func(event *ChangeEvent) {
		events = append(events, event)
	})

	entity.Set(Attributes{"name": "b"})
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].ChangedNames, []string{"name"})

	unsub()
	entity.Set(Attributes{"name": "c"})
	assert.Equal(t, len(events), 1)
}
