package restsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// fractional upload progress in [0, 1]
type ProgressFunction = func(progress float32)

// a trackable handle for one network-backed operation.
// settles in lockstep with the underlying request. aborting cancels the
// request context, which prevents the completion handlers from running.
// an abort does not undo optimistic mutation already applied
type Operation struct {
	label     string
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mutex      sync.Mutex
	doneSignal chan struct{}
	result     any
	err        error

	progressCallbacks *CallbackList[ProgressFunction]
	progressThrottle  time.Duration
	lastProgressTime  time.Time
}

func newOperation(ctx context.Context, label string, progressThrottle time.Duration) *Operation {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Operation{
		label:             label,
		startTime:         time.Now(),
		ctx:               cancelCtx,
		cancel:            cancel,
		doneSignal:        make(chan struct{}),
		progressCallbacks: NewCallbackList[ProgressFunction](),
		progressThrottle:  progressThrottle,
	}
}

// an already-settled no-op operation, e.g. destroying a never-persisted entity
func resolvedOperation(label string) *Operation {
	operation := newOperation(context.Background(), label, 0)
	operation.complete(nil, nil)
	return operation
}

func failedOperation(label string, err error) *Operation {
	operation := newOperation(context.Background(), label, 0)
	operation.complete(nil, err)
	return operation
}

func (self *Operation) Label() string {
	return self.label
}

func (self *Operation) StartTime() time.Time {
	return self.startTime
}

func (self *Operation) IsPending() bool {
	select {
	case <-self.doneSignal:
		return false
	default:
		return true
	}
}

func (self *Operation) Abort() {
	self.cancel()
}

func (self *Operation) Done() <-chan struct{} {
	return self.doneSignal
}

// valid after the done signal
func (self *Operation) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

// the parsed response data, valid after the done signal
func (self *Operation) Result() any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.result
}

func (self *Operation) AddProgressCallback(progressCallback ProgressFunction) func() {
	callbackId := self.progressCallbacks.Add(progressCallback)
	return func() {
		self.progressCallbacks.Remove(callbackId)
	}
}

// progress is a side channel on the handle, independent of attribute state.
// updates are throttled to the progress throttle. the final 1.0 always fires
func (self *Operation) notifyProgress(progress float32) {
	now := time.Now()
	self.mutex.Lock()
	if progress < 1.0 && now.Sub(self.lastProgressTime) < self.progressThrottle {
		self.mutex.Unlock()
		return
	}
	self.lastProgressTime = now
	self.mutex.Unlock()

	for _, progressCallback := range self.progressCallbacks.Get() {
		func() {
			defer recover()
			progressCallback(progress)
		}()
	}
}

func (self *Operation) complete(result any, err error) {
	self.mutex.Lock()
	select {
	case <-self.doneSignal:
		// already settled
		self.mutex.Unlock()
		return
	default:
	}
	self.result = result
	self.err = err
	close(self.doneSignal)
	self.mutex.Unlock()

	self.cancel()
}

// tracks the in-flight operations for one entity or set
type OperationRegistry struct {
	ctx context.Context

	mutex      sync.Mutex
	operations map[Id]*Operation

	progressThrottle time.Duration
}

func NewOperationRegistry(ctx context.Context, progressThrottle time.Duration) *OperationRegistry {
	return &OperationRegistry{
		ctx:              ctx,
		operations:       map[Id]*Operation{},
		progressThrottle: progressThrottle,
	}
}

// runs `run` in its own goroutine and settles the returned handle with its
// result. the operation is tracked until it settles
func (self *OperationRegistry) Open(label string, run func(ctx context.Context, operation *Operation) (any, error)) *Operation {
	operation := newOperation(self.ctx, label, self.progressThrottle)

	operationId := NewId()
	self.mutex.Lock()
	self.operations[operationId] = operation
	self.mutex.Unlock()

	go func() {
		var result any
		var err error
		// untrack before the handle settles, so a caller that saw the done
		// signal never observes the operation as still pending
		defer func() {
			self.mutex.Lock()
			delete(self.operations, operationId)
			self.mutex.Unlock()
			operation.complete(result, err)
		}()

		result, err = run(operation.ctx, operation)
	}()

	return operation
}

func (self *OperationRegistry) Pending() []*Operation {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.operations)
}

func (self *OperationRegistry) IsPending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < len(self.operations)
}
