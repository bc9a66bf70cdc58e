package restsync

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that iteration never holds the lock
type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []callbackListEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

// events surfaced to the end user.
// all callbacks are wrapped to recover from errors

type ChangeEvent struct {
	Entity       *Entity
	ChangedNames []string
}

type EntityChangeFunction = func(event *ChangeEvent)

type SetEventType string

const (
	SetEventAdd    SetEventType = "Add"
	SetEventChange SetEventType = "Change"
	SetEventRemove SetEventType = "Remove"
)

type SetEvent struct {
	Set      *EntitySet
	Type     SetEventType
	Entities []*Entity
}

type SetEventFunction = func(event *SetEvent)
