package restsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultProgressThrottle = 200 * time.Millisecond

type EntitySettings struct {
	// the attribute that holds the server-assigned key
	PrimaryKeyName string
	// resource url for this entity. when empty, the owning set's url is used
	UrlRoot string
	// seeds the working state at construction. committing immediately after
	// construction erases the distinction between defaults and caller values
	DefaultAttributes Attributes

	ProgressThrottle time.Duration
}

func DefaultEntitySettings() *EntitySettings {
	return &EntitySettings{
		PrimaryKeyName:   "id",
		ProgressThrottle: defaultProgressThrottle,
	}
}

// one locally-tracked remote resource instance.
// `committed` is the last known server-agreed state, `working` is the
// current local state. the two snapshots diverge through Set and converge
// through commit/discard and the save protocol.
// all mutation happens inside single mutex-guarded blocks, and change
// callbacks fire after the block, so observers never see partial state
type Entity struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *EntitySettings

	localId Id

	operations *OperationRegistry

	mutex     sync.Mutex
	committed Attributes
	working   Attributes
	// the owning set, a relation not an ownership. assigned only by the
	// set's own mutation methods
	owner *EntitySet

	changeCallbacks *CallbackList[EntityChangeFunction]
}

func NewEntityWithDefaults(ctx context.Context, transport Transport, attributes Attributes) *Entity {
	return NewEntity(ctx, transport, attributes, DefaultEntitySettings())
}

func NewEntity(ctx context.Context, transport Transport, attributes Attributes, settings *EntitySettings) *Entity {
	cancelCtx, cancel := context.WithCancel(ctx)

	working := CopyAttributes(settings.DefaultAttributes)
	for name, value := range attributes {
		working[name] = copyValue(value)
	}

	return &Entity{
		ctx:             cancelCtx,
		cancel:          cancel,
		transport:       transport,
		settings:        settings,
		localId:         NewId(),
		operations:      NewOperationRegistry(cancelCtx, settings.ProgressThrottle),
		committed:       CopyAttributes(working),
		working:         working,
		changeCallbacks: NewCallbackList[EntityChangeFunction](),
	}
}

func (self *Entity) Close() {
	self.cancel()
}

func (self *Entity) LocalId() Id {
	return self.localId
}

// the server-assigned key when present and truthy, else the local id.
// stable for the lifetime of a held reference once the server assigns it
func (self *Entity) Id() any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.idLocked()
}

func (self *Entity) idLocked() any {
	if value, ok := self.working[self.settings.PrimaryKeyName]; ok && truthy(value) {
		return value
	}
	return self.localId
}

// never persisted to the server
func (self *Entity) IsNew() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.isNewLocked()
}

func (self *Entity) isNewLocked() bool {
	value, ok := self.working[self.settings.PrimaryKeyName]
	return !ok || !truthy(value)
}

func (self *Entity) Owner() *EntitySet {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.owner
}

func (self *Entity) setOwner(owner *EntitySet) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.owner = owner
}

func (self *Entity) Operations() *OperationRegistry {
	return self.operations
}

// a missing attribute is a programmer error, not a convenience
func (self *Entity) Get(name string) (any, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.working[name]
	if !ok {
		return nil, &AttributeNotFoundError{Name: name}
	}
	return copyValue(value), nil
}

func (self *Entity) RequireGet(name string) any {
	value, err := self.Get(name)
	if err != nil {
		panic(err)
	}
	return value
}

func (self *Entity) Has(name string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.working[name]
	return ok
}

// a deep copy of the working state
func (self *Entity) Attributes() Attributes {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return CopyAttributes(self.working)
}

// a deep copy of the last known server-agreed state
func (self *Entity) CommittedAttributes() Attributes {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return CopyAttributes(self.committed)
}

// shallow merge into the working state. new keys are added, existing keys
// are overwritten, nested objects replace wholesale
func (self *Entity) Set(patch Attributes) {
	self.mutex.Lock()
	self.setValuesLocked(patch)
	self.mutex.Unlock()
	self.change(sortedKeys(patch))
}

func (self *Entity) setValuesLocked(patch Attributes) {
	for name, value := range patch {
		self.working[name] = copyValue(value)
	}
}

// replaces the working state wholesale with `data` merged over the defaults
func (self *Entity) Reset(data Attributes) {
	self.mutex.Lock()
	before := self.working
	working := CopyAttributes(self.settings.DefaultAttributes)
	for name, value := range data {
		working[name] = copyValue(value)
	}
	self.working = working
	changedNames := ChangedKeys(before, self.working)
	self.mutex.Unlock()
	self.change(changedNames)
}

func (self *Entity) CommitChanges() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.committed = CopyAttributes(self.working)
}

func (self *Entity) DiscardChanges() {
	self.mutex.Lock()
	before := self.working
	self.working = CopyAttributes(self.committed)
	changedNames := ChangedKeys(before, self.working)
	self.mutex.Unlock()
	self.change(changedNames)
}

func (self *Entity) ChangedAttributes() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return ChangedKeys(self.committed, self.working)
}

// the minimal nested patch from committed to working
func (self *Entity) Changes() Attributes {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.changesLocked()
}

func (self *Entity) changesLocked() Attributes {
	return Diff(self.committed, self.working)
}

func (self *Entity) HasChanges() bool {
	return 0 < len(self.ChangedAttributes())
}

func (self *Entity) Url() (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.urlLocked()
}

func (self *Entity) urlLocked() (string, error) {
	root := self.settings.UrlRoot
	if root == "" && self.owner != nil {
		root = self.owner.Url()
	}
	if root == "" {
		return "", &MissingUrlError{}
	}
	if self.isNewLocked() {
		return root, nil
	}
	return fmt.Sprintf("%s/%v", root, self.working[self.settings.PrimaryKeyName]), nil
}

func (self *Entity) AddChangeCallback(changeCallback EntityChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Entity) change(changedNames []string) {
	if len(changedNames) == 0 {
		return
	}
	event := &ChangeEvent{
		Entity:       self,
		ChangedNames: changedNames,
	}
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(event)
		}()
	}
}

func (self *Entity) requestOptions(operation *Operation) *RequestOptions {
	return &RequestOptions{
		OnProgress: func(progress float32) {
			operation.notifyProgress(progress)
		},
	}
}

// GET the resource and commit the response.
// a transport failure leaves local state unchanged. the failure is
// observable only on the returned handle
func (self *Entity) Fetch() *Operation {
	url, err := self.Url()
	if err != nil {
		return failedOperation("fetch", err)
	}
	label := fmt.Sprintf("fetch %s", url)
	return self.operations.Open(label, func(ctx context.Context, operation *Operation) (any, error) {
		result, err := self.transport.Get(ctx, url, nil, self.requestOptions(operation))
		if ctx.Err() != nil {
			// aborted. the completion path does not run
			return nil, ctx.Err()
		}
		if err != nil {
			glog.V(2).Infof("[e]fetch error %s = %s\n", url, err)
			return nil, err
		}
		attributes, ok := plainMap(result)
		if !ok {
			return nil, fmt.Errorf("Expected a resource object, got %T", result)
		}

		self.mutex.Lock()
		self.setValuesLocked(attributes)
		self.committed = CopyAttributes(self.working)
		self.mutex.Unlock()
		self.change(sortedKeys(attributes))

		return result, nil
	})
}

type SaveOptions struct {
	// apply caller attributes locally before the request settles
	Optimistic bool
	// PATCH with a minimal payload instead of PUT with the full state
	Patch bool
	// re-apply local edits made while the save was in flight over the
	// fresh server data
	KeepChanges bool
}

func DefaultSaveOptions() *SaveOptions {
	return &SaveOptions{
		Optimistic:  true,
		Patch:       true,
		KeepChanges: false,
	}
}

func (self *Entity) Save(attributes Attributes) *Operation {
	return self.SaveWithOptions(attributes, DefaultSaveOptions())
}

// the optimistic update protocol.
// on failure the working state is restored to the exact pre-save snapshot,
// discarding both the optimistic write and anything mutated during the
// flight. there is no partial rollback.
// overlapping saves are not serialized. completion handlers run in network
// arrival order and the last response to settle wins
func (self *Entity) SaveWithOptions(attributes Attributes, options *SaveOptions) *Operation {
	self.mutex.Lock()

	// the rollback point
	currentAttributes := CopyAttributes(self.working)
	isNew := self.isNewLocked()

	var body Attributes
	if options.Patch && attributes != nil && !isNew {
		// minimal override
		body = CopyAttributes(attributes)
	} else if options.Patch && attributes == nil && !isNew {
		// dirty diff
		body = self.changesLocked()
	} else {
		// new entity or non-patch mode sends the full merged state
		body = CopyAttributes(self.working)
		for name, value := range attributes {
			body[name] = copyValue(value)
		}
	}

	var changedNames []string
	if options.Optimistic && attributes != nil {
		// locally visible before the request settles
		if options.Patch {
			self.working = ApplyPatchChanges(self.working, attributes)
		} else {
			self.setValuesLocked(attributes)
		}
		changedNames = sortedKeys(attributes)
	}

	url, urlErr := self.urlLocked()
	self.mutex.Unlock()
	self.change(changedNames)

	if urlErr != nil {
		return failedOperation("save", urlErr)
	}

	label := fmt.Sprintf("save %s", url)
	return self.operations.Open(label, func(ctx context.Context, operation *Operation) (any, error) {
		requestOptions := self.requestOptions(operation)
		var result any
		var err error
		switch {
		case isNew:
			result, err = self.transport.Post(ctx, url, body, requestOptions)
		case options.Patch:
			result, err = self.transport.Patch(ctx, url, body, requestOptions)
		default:
			result, err = self.transport.Put(ctx, url, body, requestOptions)
		}
		if ctx.Err() != nil {
			// aborted. neither commit nor rollback runs.
			// the optimistic write stays applied
			return nil, ctx.Err()
		}
		if err != nil {
			self.mutex.Lock()
			rollbackNames := ChangedKeys(self.working, currentAttributes)
			self.working = CopyAttributes(currentAttributes)
			self.mutex.Unlock()
			self.change(rollbackNames)
			glog.V(2).Infof("[e]save error %s = %s\n", url, err)
			return nil, err
		}

		responseAttributes, _ := plainMap(result)

		self.mutex.Lock()
		// captures mutation that happened during the flight,
		// not just the optimistic write
		inFlightChanges := Diff(currentAttributes, self.working)
		if responseAttributes != nil {
			self.setValuesLocked(responseAttributes)
		}
		self.committed = CopyAttributes(self.working)
		if options.KeepChanges {
			self.working = ApplyPatchChanges(self.working, inFlightChanges)
		}
		changedNames := ChangedKeys(currentAttributes, self.working)
		self.mutex.Unlock()
		self.change(changedNames)

		return result, nil
	})
}

type DestroyOptions struct {
	// remove from the owning set before the request settles
	Optimistic bool
}

func DefaultDestroyOptions() *DestroyOptions {
	return &DestroyOptions{
		Optimistic: true,
	}
}

func (self *Entity) Destroy() *Operation {
	return self.DestroyWithOptions(DefaultDestroyOptions())
}

// the deletion protocol.
// a never-persisted entity is removed locally with no network call.
// an optimistic destroy that fails re-adds the entity to the owning set.
// the re-add appends, it does not restore the original position
func (self *Entity) DestroyWithOptions(options *DestroyOptions) *Operation {
	self.mutex.Lock()
	isNew := self.isNewLocked()
	owner := self.owner
	url, urlErr := self.urlLocked()
	self.mutex.Unlock()

	if isNew {
		if owner != nil {
			owner.Remove(self)
		}
		return resolvedOperation("destroy")
	}

	if urlErr != nil {
		return failedOperation("destroy", urlErr)
	}

	if options.Optimistic && owner != nil {
		owner.Remove(self)
	}

	label := fmt.Sprintf("destroy %s", url)
	return self.operations.Open(label, func(ctx context.Context, operation *Operation) (any, error) {
		result, err := self.transport.Delete(ctx, url, nil, self.requestOptions(operation))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			if options.Optimistic && owner != nil {
				owner.Add(self)
			}
			glog.V(2).Infof("[e]destroy error %s = %s\n", url, err)
			return nil, err
		}
		if !options.Optimistic && owner != nil {
			// deferred removal path
			owner.Remove(self)
		}
		return result, nil
	})
}
