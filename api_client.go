package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/openclaw/internal/config"
)

const clientCallTimeout = 30 * time.Second

// gatewayClient is a minimal WebSocket RPC client for the CLI's
// inspection commands.
type gatewayClient struct {
	conn   *websocket.Conn
	nextID int
}

type clientFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error,omitempty"`
}

// dialGateway connects and completes the handshake. Loopback servers
// with allow_local_direct admit the CLI without credentials; otherwise
// the configured token is sent.
func dialGateway(cfg *config.Config) (*gatewayClient, error) {
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway at %s: %w (is the server running?)", addr, err)
	}

	c := &gatewayClient{conn: conn}
	params := map[string]any{"minProtocol": 1, "maxProtocol": 1,
		"client": map[string]any{"id": "openclaw-cli", "version": version}}
	if cfg.Gateway.Token != "" {
		params["auth"] = map[string]any{"token": cfg.Gateway.Token}
	}
	if _, err := c.Call("connect", params); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway handshake: %w", err)
	}
	return c, nil
}

func (c *gatewayClient) Close() error {
	return c.conn.Close()
}

// Call performs one request and waits for its response, skipping any
// event frames that arrive in between.
func (c *gatewayClient) Call(method string, params any) (json.RawMessage, error) {
	c.nextID++
	id := strconv.Itoa(c.nextID)
	if err := c.conn.WriteJSON(clientFrame{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(clientCallTimeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return nil, err
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
		}
		return frame.Payload, nil
	}
}

// withGateway loads config, dials, runs fn, and cleans up.
func withGateway(fn func(*gatewayClient) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := dialGateway(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

// printJSON renders a payload for terminal consumption.
func printJSON(payload json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(payload, &buf); err != nil {
		return err
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
