package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shuttledb/shuttle/internal/models"
)

const callTimeout = 30 * time.Second

// Client talks to a running daemon over the control socket.
type Client struct {
	conn   net.Conn
	token  string
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewClient connects to the daemon's control endpoint. token must match the
// daemon's token file; LoadToken reads it.
func NewClient(path, token string) (*Client, error) {
	conn, err := Dial(path)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}

	return &Client{
		conn:   conn,
		token:  token,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call makes one request and returns the raw response.
func (c *Client) Call(method string, params any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(callTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	req, err := c.buildRequest(method, params)
	if err != nil {
		return nil, err
	}
	if err := c.writeRequest(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *Client) buildRequest(method string, params any) (Request, error) {
	req := Request{
		ID:     uuid.New().String(),
		Token:  c.token,
		Method: method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func (c *Client) writeRequest(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (c *Client) readResponse() (*Response, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// call runs Call and decodes the result into out.
func (c *Client) call(method string, params, out any) error {
	resp, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("parse result: %w", err)
	}
	return nil
}

// GetStatus calls status.get.
func (c *Client) GetStatus() (*StatusResult, error) {
	var result StatusResult
	if err := c.call(MethodStatusGet, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetScheduler calls scheduler.set.
func (c *Client) SetScheduler(enabled bool, hour string) (*SchedulerSetResult, error) {
	var result SchedulerSetResult
	params := SchedulerSetParams{Enabled: enabled, Hour: hour}
	if err := c.call(MethodSchedulerSet, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerTask calls transfer.trigger for a single task.
func (c *Client) TriggerTask(taskID string) (*TransferTriggerResult, error) {
	var result TransferTriggerResult
	params := TransferTriggerParams{TaskID: taskID}
	if err := c.call(MethodTransferTrigger, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerBatch calls transfer.trigger for the whole scheduled batch.
func (c *Client) TriggerBatch() (*TransferTriggerResult, error) {
	var result TransferTriggerResult
	params := TransferTriggerParams{Batch: true}
	if err := c.call(MethodTransferTrigger, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelTask calls transfer.cancel.
func (c *Client) CancelTask(taskID string) (*TransferCancelResult, error) {
	var result TransferCancelResult
	params := TransferCancelParams{TaskID: taskID}
	if err := c.call(MethodTransferCancel, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelAll calls transfer.cancelAll.
func (c *Client) CancelAll() (*TransferCancelAllResult, error) {
	var result TransferCancelAllResult
	if err := c.call(MethodTransferCancelAll, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTasks calls tasks.list.
func (c *Client) ListTasks() (*TasksListResult, error) {
	var result TasksListResult
	if err := c.call(MethodTasksList, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Watch subscribes to progress events for taskID and invokes fn for each
// one. It returns when the daemon ends the stream, fn returns false, or the
// connection fails. The client cannot be used for other calls while a watch
// is active.
func (c *Client) Watch(taskID string, fn func(models.ProgressEvent) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Watches are long-lived; drop the call deadline.
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear deadline: %w", err)
	}

	req, err := c.buildRequest(MethodProgressWatch, ProgressWatchParams{TaskID: taskID})
	if err != nil {
		return err
	}
	if err := c.writeRequest(req); err != nil {
		return err
	}

	for {
		resp, err := c.readResponse()
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}

		var frame WatchEvent
		if err := json.Unmarshal(resp.Result, &frame); err != nil {
			return fmt.Errorf("parse event: %w", err)
		}
		if frame.Done {
			return nil
		}
		if frame.Event != nil && !fn(*frame.Event) {
			return nil
		}
	}
}
