// Package client talks to a cpapsync server on behalf of bedside and
// monitoring tools.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"cpapsync/internal/protocol"
	"cpapsync/internal/store"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx response. It unwraps to the sentinel error of its
// kind, so errors.Is(err, store.ErrRoomNotFound) works across the wire.
type APIError struct {
	Status  int           `json:"-"`
	Kind    protocol.Kind `json:"error"`
	Message string        `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind.Sentinel() }

// Client is safe for concurrent use.
type Client struct {
	base  string
	token string
	hc    *fasthttp.Client
}

// New returns a client for the server at baseURL (e.g.
// "http://localhost:5001"). token may be empty when the server runs
// without authentication.
func New(baseURL, token string) *Client {
	return NewWithHTTPClient(baseURL, token, &fasthttp.Client{
		Name:         "cpapctl",
		ReadTimeout:  defaultTimeout,
		WriteTimeout: defaultTimeout,
	})
}

func NewWithHTTPClient(baseURL, token string, hc *fasthttp.Client) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), token: token, hc: hc}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.base + path)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		apiErr := &APIError{Status: status}
		if err := json.Unmarshal(resp.Body(), apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(resp.Body()))
		}
		return apiErr
	}
	if out == nil || status == fasthttp.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Submit uploads a waveform and returns the metrics the server computed.
func (c *Client) Submit(ctx context.Context, req protocol.SubmitRequest) (protocol.SubmitResult, error) {
	var res protocol.SubmitResult
	err := c.do(ctx, fasthttp.MethodPost, "/v1/samples", req, &res)
	return res, err
}

func (c *Client) Current(ctx context.Context, room int) (protocol.SampleView, error) {
	var v protocol.SampleView
	err := c.do(ctx, fasthttp.MethodGet, "/v1/rooms/"+strconv.Itoa(room), nil, &v)
	return v, err
}

func (c *Client) Rooms(ctx context.Context) ([]int, error) {
	var out struct {
		Rooms []int `json:"rooms"`
	}
	err := c.do(ctx, fasthttp.MethodGet, "/v1/rooms", nil, &out)
	return out.Rooms, err
}

func (c *Client) SetPressure(ctx context.Context, room int, pressure float64) (protocol.SampleView, error) {
	var v protocol.SampleView
	err := c.do(ctx, fasthttp.MethodPost, "/v1/rooms/"+strconv.Itoa(room)+"/pressure",
		protocol.PressureRequest{Pressure: pressure}, &v)
	return v, err
}

func (c *Client) Vacate(ctx context.Context, room int) error {
	return c.do(ctx, fasthttp.MethodDelete, "/v1/rooms/"+strconv.Itoa(room), nil, nil)
}

// History lists a patient's samples within r, without waveforms.
func (c *Client) History(ctx context.Context, mrn int64, r store.TimeRange) ([]protocol.SampleView, error) {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", r.From.UTC().Format(time.RFC3339Nano))
	}
	if !r.To.IsZero() {
		q.Set("to", r.To.UTC().Format(time.RFC3339Nano))
	}
	path := "/v1/patients/" + strconv.FormatInt(mrn, 10) + "/samples"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Samples []protocol.SampleView `json:"samples"`
	}
	err := c.do(ctx, fasthttp.MethodGet, path, nil, &out)
	return out.Samples, err
}

func (c *Client) Entry(ctx context.Context, mrn int64, id uint64) (protocol.SampleView, error) {
	var v protocol.SampleView
	path := "/v1/patients/" + strconv.FormatInt(mrn, 10) + "/samples/" + strconv.FormatUint(id, 10)
	err := c.do(ctx, fasthttp.MethodGet, path, nil, &v)
	return v, err
}

func (c *Client) CheckAssignment(ctx context.Context, mrn int64, room int) (protocol.Assignment, error) {
	var a protocol.Assignment
	err := c.do(ctx, fasthttp.MethodPost, "/v1/assignments/check",
		protocol.Identity{MRN: mrn, RoomNumber: room}, &a)
	return a, err
}
