package restsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type EntitySetSettings struct {
	// the attribute that identifies a resource in the server list
	PrimaryKeyName string
	// the list endpoint. member entities without their own UrlRoot
	// resolve against this
	Url string
	// settings applied to entities built by this set
	EntitySettings *EntitySettings

	ProgressThrottle time.Duration
}

func DefaultEntitySetSettings() *EntitySetSettings {
	return &EntitySetSettings{
		PrimaryKeyName:   "id",
		EntitySettings:   DefaultEntitySettings(),
		ProgressThrottle: defaultProgressThrottle,
	}
}

// an ordered collection of entities synchronized against a remote list
// endpoint. order is insertion order. uniqueness by id is a maintained
// invariant, not enforced by a set structure. two members sharing an id
// is a caller error.
// membership is mutated only through Add/Remove/Reconcile/Create, each a
// single atomic block, with events fired after the block
type EntitySet struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *EntitySetSettings

	operations *OperationRegistry

	mutex   sync.Mutex
	members []*Entity

	eventCallbacks *CallbackList[SetEventFunction]
}

func NewEntitySetWithDefaults(ctx context.Context, transport Transport) *EntitySet {
	return NewEntitySet(ctx, transport, DefaultEntitySetSettings())
}

func NewEntitySet(ctx context.Context, transport Transport, settings *EntitySetSettings) *EntitySet {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &EntitySet{
		ctx:            cancelCtx,
		cancel:         cancel,
		transport:      transport,
		settings:       settings,
		operations:     NewOperationRegistry(cancelCtx, settings.ProgressThrottle),
		members:        []*Entity{},
		eventCallbacks: NewCallbackList[SetEventFunction](),
	}
}

func (self *EntitySet) Close() {
	self.cancel()
}

func (self *EntitySet) Url() string {
	return self.settings.Url
}

func (self *EntitySet) Operations() *OperationRegistry {
	return self.operations
}

func (self *EntitySet) Length() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.members)
}

func (self *EntitySet) IsEmpty() bool {
	return self.Length() == 0
}

// a snapshot copy of the member sequence
func (self *EntitySet) Members() []*Entity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.members)
}

func (self *EntitySet) Ids() []any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	ids := make([]any, len(self.members))
	for i, member := range self.members {
		ids[i] = member.Id()
	}
	return ids
}

// nil when no member matches
func (self *EntitySet) Find(id any) *Entity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.findLocked(id)
}

func (self *EntitySet) RequireFind(id any) *Entity {
	member := self.Find(id)
	if member == nil {
		panic(&MemberNotFoundError{Id: id})
	}
	return member
}

func (self *EntitySet) findLocked(id any) *Entity {
	key := idKey(id)
	for _, member := range self.members {
		if idKey(member.Id()) == key {
			return member
		}
	}
	return nil
}

// server ids arrive as json numbers or strings, local ids as Id values.
// compare by canonical string rendering
func idKey(id any) string {
	if v, ok := id.(Id); ok {
		return v.String()
	}
	return fmt.Sprintf("%v", id)
}

func (self *EntitySet) AddEventCallback(eventCallback SetEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *EntitySet) event(eventType SetEventType, entities []*Entity) {
	if len(entities) == 0 {
		return
	}
	event := &SetEvent{
		Set:      self,
		Type:     eventType,
		Entities: entities,
	}
	for _, eventCallback := range self.eventCallbacks.Get() {
		func() {
			defer recover()
			eventCallback(event)
		}()
	}
}

// constructs an entity of this set's configured kind, or reassigns
// ownership of an already-constructed entity without copying.
// build assigns ownership but does not append. use Add for that
func (self *EntitySet) Build(data any) *Entity {
	switch v := data.(type) {
	case *Entity:
		v.setOwner(self)
		return v
	case Attributes:
		return self.buildFromAttributes(v)
	case map[string]any:
		return self.buildFromAttributes(Attributes(v))
	case nil:
		return self.buildFromAttributes(Attributes{})
	default:
		panic(fmt.Errorf("Cannot build an entity from %T", data))
	}
}

func (self *EntitySet) buildFromAttributes(attributes Attributes) *Entity {
	entity := NewEntity(self.ctx, self.transport, attributes, self.settings.EntitySettings)
	entity.setOwner(self)
	return entity
}

// a single item or a list, raw attributes or pre-built entities
func normalizeList(data any) []any {
	switch v := data.(type) {
	case nil:
		return []any{}
	case []any:
		return v
	case []Attributes:
		items := make([]any, len(v))
		for i, e := range v {
			items[i] = e
		}
		return items
	case []map[string]any:
		items := make([]any, len(v))
		for i, e := range v {
			items[i] = e
		}
		return items
	case []*Entity:
		items := make([]any, len(v))
		for i, e := range v {
			items[i] = e
		}
		return items
	default:
		return []any{data}
	}
}

// builds each item and appends all in input order.
// does not deduplicate. id uniqueness is the caller's responsibility
func (self *EntitySet) Add(data any) []*Entity {
	built := []*Entity{}
	for _, item := range normalizeList(data) {
		built = append(built, self.Build(item))
	}

	self.mutex.Lock()
	self.members = append(self.members, built...)
	self.mutex.Unlock()

	self.event(SetEventAdd, built)
	return built
}

// removes by identity (an entity currently in this set) or by id lookup.
// an unresolved item is logged and skipped. one bad id does not abort
// removal of the others. removed entities have their ownership cleared
func (self *EntitySet) Remove(data any) []*Entity {
	removed := []*Entity{}

	self.mutex.Lock()
	for _, item := range normalizeList(data) {
		var member *Entity
		if entity, ok := item.(*Entity); ok {
			if slices.Index(self.members, entity) >= 0 {
				member = entity
			}
		} else {
			member = self.findLocked(item)
		}
		if member == nil {
			glog.Warningf("[s]remove could not resolve %v\n", item)
			continue
		}
		i := slices.Index(self.members, member)
		self.members = slices.Delete(slices.Clone(self.members), i, i+1)
		member.setOwner(nil)
		removed = append(removed, member)
	}
	self.mutex.Unlock()

	self.event(SetEventRemove, removed)
	return removed
}

type ReconcileOptions struct {
	Add    bool
	Change bool
	Remove bool
}

func DefaultReconcileOptions() *ReconcileOptions {
	return &ReconcileOptions{
		Add:    true,
		Change: true,
		Remove: true,
	}
}

// aligns local membership with a server-provided canonical list.
// stale members are removed, matching members are merged in place via Set
// (uncommitted, the local view only), and unmatched resources are built
// and appended in incoming order. members updated in place keep their
// prior position
func (self *EntitySet) Reconcile(resources []Attributes, options *ReconcileOptions) {
	if options == nil {
		options = DefaultReconcileOptions()
	}

	removed := []*Entity{}
	changed := []*Entity{}
	changedResources := []Attributes{}
	addResources := []Attributes{}

	self.mutex.Lock()

	if options.Remove {
		incomingKeys := map[string]bool{}
		for _, resource := range resources {
			incomingKeys[idKey(resource[self.settings.PrimaryKeyName])] = true
		}
		nextMembers := []*Entity{}
		for _, member := range self.members {
			if incomingKeys[idKey(member.Id())] {
				nextMembers = append(nextMembers, member)
			} else {
				member.setOwner(nil)
				removed = append(removed, member)
			}
		}
		self.members = nextMembers
	}

	for _, resource := range resources {
		member := self.findLocked(resource[self.settings.PrimaryKeyName])
		if member != nil {
			if options.Change {
				changed = append(changed, member)
				changedResources = append(changedResources, resource)
			}
		} else if options.Add {
			addResources = append(addResources, resource)
		}
	}

	self.mutex.Unlock()

	for i, member := range changed {
		// merge the local view. commit is a separate, narrower concern
		// the caller performs if needed
		member.Set(changedResources[i])
	}

	added := []*Entity{}
	if 0 < len(addResources) {
		for _, resource := range addResources {
			added = append(added, self.buildFromAttributes(resource))
		}
		self.mutex.Lock()
		self.members = append(self.members, added...)
		self.mutex.Unlock()
	}

	self.event(SetEventRemove, removed)
	self.event(SetEventChange, changed)
	self.event(SetEventAdd, added)
}

type FetchOptions struct {
	Query            map[string]string
	ReconcileOptions *ReconcileOptions
}

func DefaultFetchOptions() *FetchOptions {
	return &FetchOptions{
		ReconcileOptions: DefaultReconcileOptions(),
	}
}

func (self *EntitySet) Fetch() *Operation {
	return self.FetchWithOptions(DefaultFetchOptions())
}

// GET the list endpoint and reconcile the response with the forwarded
// toggles, so fetching with Change disabled means "only add/remove,
// never overwrite local edits".
// a transport failure leaves local state unchanged. the failure is
// observable only on the returned handle
func (self *EntitySet) FetchWithOptions(options *FetchOptions) *Operation {
	url := self.Url()
	if url == "" {
		return failedOperation("fetch", &MissingUrlError{})
	}
	label := fmt.Sprintf("fetch %s", url)
	return self.operations.Open(label, func(ctx context.Context, operation *Operation) (any, error) {
		requestOptions := &RequestOptions{
			OnProgress: func(progress float32) {
				operation.notifyProgress(progress)
			},
		}
		result, err := self.transport.Get(ctx, url, options.Query, requestOptions)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			glog.V(2).Infof("[s]fetch error %s = %s\n", url, err)
			return nil, err
		}
		resources, err := resourceList(result)
		if err != nil {
			return nil, err
		}
		self.Reconcile(resources, options.ReconcileOptions)
		return result, nil
	})
}

func resourceList(result any) ([]Attributes, error) {
	list, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("Expected a resource list, got %T", result)
	}
	resources := make([]Attributes, 0, len(list))
	for _, item := range list {
		attributes, ok := plainMap(item)
		if !ok {
			return nil, fmt.Errorf("Expected a resource object, got %T", item)
		}
		resources = append(resources, attributes)
	}
	return resources, nil
}

type CreateOptions struct {
	// append to the members before the save settles
	Optimistic bool
}

func DefaultCreateOptions() *CreateOptions {
	return &CreateOptions{
		Optimistic: true,
	}
}

func (self *EntitySet) Create(data any) *Operation {
	return self.CreateWithOptions(data, DefaultCreateOptions())
}

// builds an entity and issues its save. an optimistic create appends
// immediately and removes on failure. a non-optimistic create appends
// only after the save settles successfully.
// the in-flight save is tracked in this set's operation registry
func (self *EntitySet) CreateWithOptions(data any, options *CreateOptions) *Operation {
	entity := self.Build(data)

	if options.Optimistic {
		self.mutex.Lock()
		self.members = append(self.members, entity)
		self.mutex.Unlock()
		self.event(SetEventAdd, []*Entity{entity})
	}

	saveOperation := entity.Save(nil)

	label := fmt.Sprintf("create %s", self.Url())
	return self.operations.Open(label, func(ctx context.Context, operation *Operation) (any, error) {
		select {
		case <-saveOperation.Done():
		case <-ctx.Done():
			saveOperation.Abort()
			return nil, ctx.Err()
		}
		if err := saveOperation.Err(); err != nil {
			if options.Optimistic {
				self.Remove(entity)
			} else {
				entity.setOwner(nil)
			}
			return nil, err
		}
		if !options.Optimistic {
			self.mutex.Lock()
			self.members = append(self.members, entity)
			self.mutex.Unlock()
			self.event(SetEventAdd, []*Entity{entity})
		}
		return saveOperation.Result(), nil
	})
}
