package rpcctl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Client is a control-socket client, used by a CLI to query a running
// mesh instance's own Server.
type Client struct {
	conn   net.Conn
	nextID atomic.Int64
}

// Dial connects to a Server listening at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("rpcctl: connect to socket: %w", err)
	}
	c := &Client{conn: conn}
	c.nextID.Store(1)
	return c, nil
}

// Call sends one JSON-RPC request and returns its decoded result.
func (c *Client) Call(method string, params map[string]interface{}) (interface{}, error) {
	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpcctl: encode request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("rpcctl: send request: %w", err)
	}

	respData, err := bufio.NewReader(c.conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("rpcctl: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("rpcctl: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpcctl: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
