package mdip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const clientTimeout = 30 * time.Second

// Client talks to a gatekeeper's HTTP API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

var _ BlobStore = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/") + "/api/v1",
		userAgent: fmt.Sprintf("go-mdip/%s", versioninfo.Short()),
		httpClient: &http.Client{
			Timeout:   clientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// errorFromMessage restores the error kind from an API error message
func errorFromMessage(msg string, status int) error {
	for _, sentinel := range []error{ErrInvalidDID, ErrInvalidOperation, ErrInvalidParameter, ErrNotConnected} {
		prefix := sentinel.Error()
		if msg == prefix {
			return sentinel
		}
		if strings.HasPrefix(msg, prefix+": ") {
			return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(msg, prefix+": "))
		}
	}
	return fmt.Errorf("gatekeeper returned status %d: %s", status, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		b, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(b, &apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(b)
		}
		return errorFromMessage(apiErr.Message, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if s, ok := out.(*[]byte); ok {
		*s, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) IsReady(ctx context.Context) (bool, error) {
	var ready bool
	err := c.do(ctx, "GET", "/ready", nil, &ready)
	return ready, err
}

func (c *Client) Version(ctx context.Context) (int, error) {
	var v int
	err := c.do(ctx, "GET", "/version", nil, &v)
	return v, err
}

func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var status json.RawMessage
	err := c.do(ctx, "GET", "/status", nil, &status)
	return status, err
}

func (c *Client) ListRegistries(ctx context.Context) ([]string, error) {
	var registries []string
	err := c.do(ctx, "GET", "/registries", nil, &registries)
	return registries, err
}

func (c *Client) ResetDb(ctx context.Context) (bool, error) {
	var ok bool
	err := c.do(ctx, "GET", "/db/reset", nil, &ok)
	return ok, err
}

func (c *Client) VerifyDb(ctx context.Context) (*VerifyDbResult, error) {
	var res VerifyDbResult
	if err := c.do(ctx, "GET", "/db/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CreateDID(ctx context.Context, op *CreateOp) (string, error) {
	var did string
	err := c.do(ctx, "POST", "/did", op, &did)
	return did, err
}

func (c *Client) UpdateDID(ctx context.Context, op Operation) (bool, error) {
	var ok bool
	err := c.do(ctx, "POST", "/did/"+url.PathEscape(op.TargetDID()), op, &ok)
	return ok, err
}

func (c *Client) DeleteDID(ctx context.Context, op *DeleteOp) (bool, error) {
	var ok bool
	err := c.do(ctx, "DELETE", "/did/"+url.PathEscape(op.DID), op, &ok)
	return ok, err
}

func (c *Client) GenerateDID(ctx context.Context, op *CreateOp) (string, error) {
	var did string
	err := c.do(ctx, "POST", "/did/generate", op, &did)
	return did, err
}

func (c *Client) ResolveDID(ctx context.Context, did string, opts ResolveOptions) (*Document, error) {
	q := url.Values{}
	if opts.Confirm {
		q.Set("confirm", "true")
	}
	if opts.Verify {
		q.Set("verify", "true")
	}
	if opts.AtVersion > 0 {
		q.Set("versionSequence", strconv.Itoa(opts.AtVersion))
	}
	if !opts.AtTime.IsZero() {
		q.Set("versionTime", opts.AtTime.UTC().Format(time.RFC3339Nano))
	}

	path := "/did/" + url.PathEscape(did)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var doc Document
	if err := c.do(ctx, "GET", path, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) GetDIDs(ctx context.Context, opts GetDIDsOptions) ([]string, error) {
	opts.Resolve = false
	var dids []string
	err := c.do(ctx, "POST", "/dids", opts, &dids)
	return dids, err
}

func (c *Client) GetDocs(ctx context.Context, opts GetDIDsOptions) ([]*Document, error) {
	opts.Resolve = true
	var docs []*Document
	err := c.do(ctx, "POST", "/dids", opts, &docs)
	return docs, err
}

func (c *Client) RemoveDIDs(ctx context.Context, dids []string) (bool, error) {
	var ok bool
	err := c.do(ctx, "POST", "/dids/remove", dids, &ok)
	return ok, err
}

func (c *Client) ExportDIDs(ctx context.Context, dids []string) ([][]Event, error) {
	var logs [][]Event
	err := c.do(ctx, "POST", "/dids/export", map[string]any{"dids": dids}, &logs)
	return logs, err
}

func (c *Client) ImportDIDs(ctx context.Context, logs [][]Event) (*ImportBatchResult, error) {
	var res ImportBatchResult
	if err := c.do(ctx, "POST", "/dids/import", logs, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ExportBatch(ctx context.Context, dids []string) ([]Event, error) {
	var events []Event
	err := c.do(ctx, "POST", "/batch/export", map[string]any{"dids": dids}, &events)
	return events, err
}

func (c *Client) ImportBatch(ctx context.Context, batch []Event) (*ImportBatchResult, error) {
	var res ImportBatchResult
	if err := c.do(ctx, "POST", "/batch/import", batch, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ProcessEvents(ctx context.Context) (*ProcessEventsResult, error) {
	var res ProcessEventsResult
	if err := c.do(ctx, "POST", "/events/process", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetQueue(ctx context.Context, registry string) ([]OpEnum, error) {
	var ops []OpEnum
	err := c.do(ctx, "GET", "/queue/"+url.PathEscape(registry), nil, &ops)
	return ops, err
}

func (c *Client) ClearQueue(ctx context.Context, registry string, ops []OpEnum) (bool, error) {
	var ok bool
	err := c.do(ctx, "POST", "/queue/"+url.PathEscape(registry)+"/clear", ops, &ok)
	return ok, err
}

func (c *Client) GetBlock(ctx context.Context, registry string, id BlockID) (*BlockInfo, error) {
	path := "/block/" + url.PathEscape(registry) + "/"
	switch {
	case id.IsLatest():
		path += "latest"
	case id.ByHeight:
		path += strconv.Itoa(id.Height)
	default:
		path += url.PathEscape(id.Hash)
	}

	var block *BlockInfo
	err := c.do(ctx, "GET", path, nil, &block)
	return block, err
}

func (c *Client) AddBlock(ctx context.Context, registry string, block BlockInfo) (bool, error) {
	var ok bool
	err := c.do(ctx, "POST", "/block/"+url.PathEscape(registry), block, &ok)
	return ok, err
}

func (c *Client) AddJSON(ctx context.Context, v any) (string, error) {
	var cid string
	err := c.do(ctx, "POST", "/cas/json", v, &cid)
	return cid, err
}

func (c *Client) GetJSON(ctx context.Context, cid string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, "GET", "/cas/json/"+url.PathEscape(cid), nil, &out)
	return out, err
}

func (c *Client) addRaw(ctx context.Context, path, contentType string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", contentType)

	var cid string
	err = c.send(req, &cid)
	return cid, err
}

func (c *Client) AddText(ctx context.Context, text string) (string, error) {
	return c.addRaw(ctx, "/cas/text", "text/plain", []byte(text))
}

func (c *Client) GetText(ctx context.Context, cid string) (string, error) {
	var b []byte
	err := c.do(ctx, "GET", "/cas/text/"+url.PathEscape(cid), nil, &b)
	return string(b), err
}

func (c *Client) AddData(ctx context.Context, data []byte) (string, error) {
	return c.addRaw(ctx, "/cas/data", "application/octet-stream", data)
}

func (c *Client) GetData(ctx context.Context, cid string) ([]byte, error) {
	var b []byte
	err := c.do(ctx, "GET", "/cas/data/"+url.PathEscape(cid), nil, &b)
	return b, err
}
