package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"maintflow/internal/domain"
)

// ErrUnreachable wraps transport failures talking to the scheduler daemon.
var ErrUnreachable = fmt.Errorf("%w: unreachable", domain.ErrUnavailable)

// The host part is ignored; every request is dialled on the socket.
const baseURL = "http://maintflow"

// Client talks to a Server over its unix socket. It is safe for concurrent use.
type Client struct {
	http *http.Client
}

func NewClient(socketPath string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{http: &http.Client{Transport: tr, Timeout: timeout}}
}

// Ping checks that a scheduler answers on the socket.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping returned %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *Client) Schedule(ctx context.Context, req domain.ScheduleRequest) (domain.Task, error) {
	var t domain.Task
	err := c.call(ctx, TypeSchedule, req, &t)
	return t, err
}

func (c *Client) List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error) {
	var tasks []domain.Task
	err := c.call(ctx, TypeList, f, &tasks)
	return tasks, err
}

func (c *Client) Cancel(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.call(ctx, TypeCancel, CancelPayload{TaskID: id}, &t)
	return t, err
}

// Send posts one envelope and returns the raw response. A missing envelope id
// is filled in.
func (c *Client) Send(ctx context.Context, env Envelope) (Response, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Response{}, fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)
	}
	if out.ID != env.ID {
		return Response{}, fmt.Errorf("response id %q does not match request %q", out.ID, env.ID)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, typ MessageType, payload, into any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	resp, err := c.Send(ctx, Envelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error == nil {
			return &RemoteError{Code: CodeInternal, Message: "request failed without an error body"}
		}
		return &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if into == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, into); err != nil {
		return fmt.Errorf("decode %s reply: %w", typ, err)
	}
	return nil
}
