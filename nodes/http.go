package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/pkg/retry"
)

// TypeHTTPRequest is the http request node type
const TypeHTTPRequest = "http request"

type httpConfig struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	ContentType string            `json:"contentType"`
	Retries     int               `json:"retries"`
	// Timeout in seconds for one attempt
	Timeout float64 `json:"timeout"`
}

const httpSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "method": {"enum": ["", "GET", "POST", "PUT", "PATCH", "DELETE", "use"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "contentType": {"type": "string"},
    "retries": {"type": "integer", "minimum": 0, "maximum": 10},
    "timeout": {"type": "number", "minimum": 0}
  }
}`

// httpRequest sends msg.payload to a URL and emits the response as a new
// payload with statusCode and headers. Requests run off the flow mailbox so
// slow servers do not hold up other nodes; the node closes only after its
// requests have finished or been cancelled.
type httpRequest struct {
	n      *node.Node
	cfg    httpConfig
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHTTPRequest(client *http.Client) node.Constructor {
	return func(n *node.Node, rec *flowconfig.NodeConfig) (node.Behavior, error) {
		var cfg httpConfig
		if err := decodeProps(rec, &cfg); err != nil {
			return nil, err
		}
		if cfg.Method == "" {
			cfg.Method = http.MethodPost
		}
		if cfg.ContentType == "" {
			cfg.ContentType = "application/json"
		}
		ctx, cancel := context.WithCancel(context.Background())
		return &httpRequest{n: n, cfg: cfg, client: client, ctx: ctx, cancel: cancel}, nil
	}
}

func (h *httpRequest) OnInputAsync(_ context.Context, msg message.Message, done func(error)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		out, err := h.do(msg)
		if err != nil {
			done(err)
			return
		}
		h.n.Send(out)
		done(nil)
	}()
}

func (h *httpRequest) do(msg message.Message) (message.Message, error) {
	url := h.cfg.URL
	if url == "" {
		url, _ = msg["url"].(string)
	}
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "HTTPRequest", "do", "no url configured and msg.url is empty")
	}
	method := h.cfg.Method
	if method == "use" {
		method, _ = msg["method"].(string)
		method = strings.ToUpper(method)
		if method == "" {
			method = http.MethodGet
		}
	}

	var body []byte
	if method != http.MethodGet {
		data, err := toBytes(msg["payload"])
		if err != nil {
			return nil, errors.WrapInvalid(err, "HTTPRequest", "do", "encode payload")
		}
		body = data
	}

	rc := errors.DefaultRetryConfig()
	rc.MaxRetries = h.cfg.Retries
	rc.MaxDelay = 2 * time.Second
	var resp *response
	err := retry.Do(h.ctx, rc.ToRetryConfig(), func() error {
		r, err := h.send(method, url, body, msg)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "HTTPRequest", "do", fmt.Sprintf("%s %s", method, url))
	}

	out := msg
	out["statusCode"] = resp.status
	out["headers"] = resp.headers
	out["payload"] = fromBytes(resp.body)
	return out, nil
}

type response struct {
	status  int
	headers map[string]any
	body    []byte
}

// send performs one attempt. Transport failures and server errors are
// transient, client errors are invalid and end the retries.
func (h *httpRequest) send(method, url string, body []byte, msg message.Message) (*response, error) {
	ctx := h.ctx
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(h.cfg.Timeout*float64(time.Second)))
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.WrapInvalid(err, "HTTPRequest", "send", "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", h.cfg.ContentType)
	}
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	if extra, ok := msg["headers"].(map[string]any); ok {
		for k, v := range extra {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "HTTPRequest", "send", method+" request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTransient(err, "HTTPRequest", "send", "read response")
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, errors.WrapTransient(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status), "HTTPRequest", "send", "server response")
	case resp.StatusCode >= 400:
		return nil, errors.WrapInvalid(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status), "HTTPRequest", "send", "client response")
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return &response{status: resp.StatusCode, headers: headers, body: data}, nil
}

func (h *httpRequest) OnClose(ctx context.Context, _ bool) error {
	h.cancel()
	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "HTTPRequest", "OnClose", "wait for requests")
	}
}
