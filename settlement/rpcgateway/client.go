/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rpcgateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils/log"
)

// Client is a settlement.Gateway talking to a relay Server. The websocket is
// dialed lazily and redialed after a disconnect.
type Client struct {
	endpoint string
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *jsonrpc2.Conn
}

// NewClient returns a client for the relay at endpoint, e.g. ws://host:port/.
func NewClient(endpoint string) *Client {
	return &Client{endpoint: endpoint, dialer: websocket.DefaultDialer}
}

// WithHandshakeTimeout bounds the websocket handshake of every dial.
func (c *Client) WithHandshakeTimeout(d time.Duration) *Client {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = d
	c.dialer = &dialer
	return c
}

func (c *Client) connect(ctx context.Context) (conn *jsonrpc2.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		select {
		case <-c.conn.DisconnectNotify():
			c.conn = nil
		default:
			return c.conn, nil
		}
	}

	ws, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		err = errors.Wrapf(settlement.ErrUnavailable, "dial %s: %v", c.endpoint, err)
		return
	}
	log.WithField("endpoint", c.endpoint).Debug("rpcgateway: connected to relay")
	c.conn = jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws), noopHandler{})
	conn = c.conn
	return
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) (err error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return
	}
	if err = conn.Call(ctx, method, params, result); err == nil {
		return
	}
	if rpcErr, ok := err.(*jsonrpc2.Error); ok {
		switch rpcErr.Code {
		case CodeUnavailable:
			return errors.Wrap(settlement.ErrUnavailable, rpcErr.Message)
		case CodeUnknownRef:
			return errors.Wrap(settlement.ErrUnknownRef, rpcErr.Message)
		}
		return errors.Wrapf(err, "call %s failed", method)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == jsonrpc2.ErrClosed {
		return errors.Wrapf(settlement.ErrUnavailable, "call %s: connection closed", method)
	}
	return errors.Wrapf(err, "call %s failed", method)
}

// Submit implements settlement.Gateway.Submit.
func (c *Client) Submit(ctx context.Context, op *types.SettlementOperation) (ref string, err error) {
	var res SubmitResult
	err = c.call(ctx, MethodSubmit, &SubmitParams{
		Key:     op.ID,
		Method:  op.Kind.Method(),
		Payload: op.Payload,
	}, &res)
	ref = res.Ref
	return
}

// Poll implements settlement.Gateway.Poll.
func (c *Client) Poll(ctx context.Context, ref string) (res settlement.Result, err error) {
	err = c.call(ctx, MethodPoll, &PollParams{Ref: ref}, &res)
	return
}

// Close closes the relay connection.
func (c *Client) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return
}

type noopHandler struct{}

func (noopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}
