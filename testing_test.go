package restsync

import (
	"context"
	"flag"
	"sync"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// a scripted transport. responses come from `respond`, and an optional
// gate holds requests in flight until the test releases them
type testRequest struct {
	method string
	url    string
	query  map[string]string
	body   Attributes
}

type testTransport struct {
	mutex    sync.Mutex
	requests []*testRequest
	respond  func(request *testRequest) (any, error)
	gate     chan struct{}
}

func newTestTransport(respond func(request *testRequest) (any, error)) *testTransport {
	return &testTransport{
		respond: respond,
	}
}

func newGatedTestTransport(respond func(request *testRequest) (any, error)) *testTransport {
	return &testTransport{
		respond: respond,
		gate:    make(chan struct{}),
	}
}

func (self *testTransport) release() {
	close(self.gate)
}

func (self *testTransport) requestCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.requests)
}

func (self *testTransport) lastRequest() *testRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.requests) == 0 {
		return nil
	}
	return self.requests[len(self.requests)-1]
}

func (self *testTransport) do(ctx context.Context, method string, url string, query map[string]string, body Attributes) (any, error) {
	request := &testRequest{
		method: method,
		url:    url,
		query:  query,
		body:   CopyAttributes(body),
	}
	self.mutex.Lock()
	self.requests = append(self.requests, request)
	respond := self.respond
	gate := self.gate
	self.mutex.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return respond(request)
}

func (self *testTransport) Get(ctx context.Context, url string, query map[string]string, opts *RequestOptions) (any, error) {
	return self.do(ctx, "GET", url, query, nil)
}

func (self *testTransport) Post(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.do(ctx, "POST", url, nil, body)
}

func (self *testTransport) Put(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.do(ctx, "PUT", url, nil, body)
}

func (self *testTransport) Patch(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.do(ctx, "PATCH", url, nil, body)
}

func (self *testTransport) Delete(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.do(ctx, "DELETE", url, nil, body)
}
