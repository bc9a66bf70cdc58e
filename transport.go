package restsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const defaultProgressMinInterval = 100 * time.Millisecond

// the verb surface the sync layer needs from an http client.
// the result is the parsed json response body, a map[string]any for one
// resource or a []any for a resource list. cancellation is context-based;
// the abort capability of the promise-like original lives on the
// Operation handle
type Transport interface {
	Get(ctx context.Context, url string, query map[string]string, opts *RequestOptions) (any, error)
	Post(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error)
	Put(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error)
	Patch(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error)
	Delete(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error)
}

type RequestOptions struct {
	// invoked with fractional upload progress while the body is sent
	OnProgress ProgressFunction
}

type HttpTransportSettings struct {
	HttpTimeout         time.Duration
	HttpConnectTimeout  time.Duration
	HttpTlsTimeout      time.Duration
	ProgressMinInterval time.Duration
}

func DefaultHttpTransportSettings() *HttpTransportSettings {
	return &HttpTransportSettings{
		HttpTimeout:         defaultHttpTimeout,
		HttpConnectTimeout:  defaultHttpConnectTimeout,
		HttpTlsTimeout:      defaultHttpTlsTimeout,
		ProgressMinInterval: defaultProgressMinInterval,
	}
}

type HttpTransport struct {
	settings *HttpTransportSettings

	byJwt string
}

func NewHttpTransportWithDefaults() *HttpTransport {
	return NewHttpTransport(DefaultHttpTransportSettings())
}

func NewHttpTransport(settings *HttpTransportSettings) *HttpTransport {
	return &HttpTransport{
		settings: settings,
	}
}

// this gets attached to requests that need it
func (self *HttpTransport) SetByJwt(byJwt string) {
	if byJwt != "" {
		if parsed, err := ParseByJwtUnverified(byJwt); err == nil && parsed.IsExpired() {
			glog.Warningf("[h]jwt is expired\n")
		}
	}
	self.byJwt = byJwt
}

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func (self *HttpTransport) client() *http.Client {
	dialer := &net.Dialer{
		Timeout: self.settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: self.settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.settings.HttpTimeout,
	}
}

func (self *HttpTransport) Get(ctx context.Context, requestUrl string, query map[string]string, opts *RequestOptions) (any, error) {
	if 0 < len(query) {
		values := url.Values{}
		for name, value := range query {
			values.Set(name, value)
		}
		requestUrl = fmt.Sprintf("%s?%s", requestUrl, values.Encode())
	}
	return self.request(ctx, "GET", requestUrl, nil, opts)
}

func (self *HttpTransport) Post(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.request(ctx, "POST", url, body, opts)
}

func (self *HttpTransport) Put(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.request(ctx, "PUT", url, body, opts)
}

func (self *HttpTransport) Patch(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.request(ctx, "PATCH", url, body, opts)
}

func (self *HttpTransport) Delete(ctx context.Context, url string, body Attributes, opts *RequestOptions) (any, error) {
	return self.request(ctx, "DELETE", url, body, opts)
}

func (self *HttpTransport) request(ctx context.Context, method string, url string, body Attributes, opts *RequestOptions) (any, error) {
	var requestBodyBytes []byte
	if body == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	var bodyReader io.Reader = bytes.NewReader(requestBodyBytes)
	if opts != nil && opts.OnProgress != nil && 0 < len(requestBodyBytes) {
		bodyReader = newProgressReader(
			bodyReader,
			len(requestBodyBytes),
			opts.OnProgress,
			self.settings.ProgressMinInterval,
		)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "text/json")

	if self.byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", self.byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := self.client()
	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		glog.V(2).Infof("[h]%s %s = %d\n", method, url, r.StatusCode)
		return nil, errors.New(errorMessage)
	}

	if err != nil {
		return nil, err
	}

	if len(responseBodyBytes) == 0 {
		return nil, nil
	}

	var result any
	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		return nil, err
	}

	glog.V(2).Infof("[h]%s %s = %d\n", method, url, r.StatusCode)
	return result, nil
}

// counts bytes out of the request body and surfaces fractional progress.
// updates are rate limited. the final 1.0 always fires
type progressReader struct {
	reader      io.Reader
	totalCount  int
	readCount   int
	onProgress  ProgressFunction
	minInterval time.Duration
	lastTime    time.Time
}

func newProgressReader(reader io.Reader, totalCount int, onProgress ProgressFunction, minInterval time.Duration) *progressReader {
	return &progressReader{
		reader:      reader,
		totalCount:  totalCount,
		onProgress:  onProgress,
		minInterval: minInterval,
	}
}

func (self *progressReader) Read(b []byte) (int, error) {
	n, err := self.reader.Read(b)
	if 0 < n {
		self.readCount += n
		progress := float32(self.readCount) / float32(self.totalCount)
		now := time.Now()
		if 1.0 <= progress || self.minInterval <= now.Sub(self.lastTime) {
			self.lastTime = now
			func() {
				defer recover()
				self.onProgress(progress)
			}()
		}
	}
	return n, err
}
