package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	protocolVersion = 1

	maxPayloadBytes = 1 << 20
	sendBufferSize  = 64

	tickInterval = 15 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second
)

// Error codes crossing the wire. Handlers never leak Go error types.
const (
	CodeNotLinked      = "NOT_LINKED"
	CodeNotPaired      = "NOT_PAIRED"
	CodeAgentTimeout   = "AGENT_TIMEOUT"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
)

// Frame is the single wire shape: requests carry type "req", responses
// "res", server pushes "event".
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// Error is the structured failure half of a response frame.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func unavailable(subsystem string) *Error {
	return &Error{Code: CodeUnavailable, Message: subsystem + " is not available"}
}

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var frameSchemas schemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("ws_request", requestFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.request = reqSchema

		methods := map[string]string{
			"connect":             connectParamsSchema,
			"agent":               agentParamsSchema,
			"agent.wait":          agentWaitParamsSchema,
			"chat.send":           chatSendParamsSchema,
			"chat.history":        chatHistoryParamsSchema,
			"chat.abort":          sessionKeyParamsSchema,
			"chat.steer":          chatSteerParamsSchema,
			"chat.inject":         chatInjectParamsSchema,
			"sessions.list":       sessionsListParamsSchema,
			"sessions.preview":    chatHistoryParamsSchema,
			"sessions.resolve":    sessionsResolveParamsSchema,
			"sessions.patch":      sessionsPatchParamsSchema,
			"sessions.reset":      sessionKeyParamsSchema,
			"sessions.delete":     sessionKeyParamsSchema,
			"sessions.compact":    sessionKeyParamsSchema,
			"channels.send":       channelsSendParamsSchema,
			"cron.add":            cronAddParamsSchema,
			"cron.update":         cronUpdateParamsSchema,
			"cron.remove":         idParamsSchema,
			"cron.run":            idParamsSchema,
			"cron.runs":           cronRunsParamsSchema,
			"device.pair.approve": idParamsSchema,
			"device.pair.reject":  idParamsSchema,
			"device.token.rotate": deviceIDParamsSchema,
			"device.token.revoke": deviceIDParamsSchema,
			"logs.tail":           logsTailParamsSchema,
		}
		frameSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("ws_method_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.methods[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateRequestFrame checks the outer frame shape and, when the method
// has a registered schema, its params.
func validateRequestFrame(raw []byte, frame *Frame) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.request.Validate(payload); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	if schema := frameSchemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return err
		}
	}
	return nil
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "properties": {
        "id": { "type": "string" },
        "version": { "type": "string" },
        "platform": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" },
        "password": { "type": "string" },
        "deviceId": { "type": "string" },
        "deviceToken": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const agentParamsSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string", "minLength": 1 },
    "sessionKey": { "type": "string" },
    "agentId": { "type": "string" },
    "stream": { "type": "boolean" },
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const agentWaitParamsSchema = `{
  "type": "object",
  "required": ["runId"],
  "properties": {
    "runId": { "type": "string", "minLength": 1 },
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "sessionKey": { "type": "string" },
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const chatInjectParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "text"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 },
    "role": { "type": "string", "enum": ["user", "system"] }
  },
  "additionalProperties": true
}`

const chatSteerParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "text"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const sessionKeyParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const sessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "channel": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const sessionsResolveParamsSchema = `{
  "type": "object",
  "required": ["channel", "peerKind", "peerId"],
  "properties": {
    "agentId": { "type": "string" },
    "channel": { "type": "string", "minLength": 1 },
    "peerKind": { "type": "string", "enum": ["dm", "group", "channel"] },
    "peerId": { "type": "string", "minLength": 1 },
    "accountId": { "type": "string" }
  },
  "additionalProperties": true
}`

const sessionsPatchParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "metadata": { "type": "object" }
  },
  "additionalProperties": true
}`

const channelsSendParamsSchema = `{
  "type": "object",
  "required": ["channel", "chatId", "text"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 },
    "chatId": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const cronAddParamsSchema = `{
  "type": "object",
  "required": ["schedule", "payload"],
  "properties": {
    "name": { "type": "string" },
    "enabled": { "type": "boolean" },
    "schedule": { "type": "object" },
    "payload": { "type": "object" },
    "deleteAfterRun": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const cronUpdateParamsSchema = `{
  "type": "object",
  "required": ["id", "schedule", "payload"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "enabled": { "type": "boolean" },
    "schedule": { "type": "object" },
    "payload": { "type": "object" },
    "deleteAfterRun": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const cronRunsParamsSchema = `{
  "type": "object",
  "properties": {
    "id": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 50 }
  },
  "additionalProperties": true
}`

const idParamsSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const deviceIDParamsSchema = `{
  "type": "object",
  "required": ["deviceId"],
  "properties": {
    "deviceId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const logsTailParamsSchema = `{
  "type": "object",
  "properties": {
    "lines": { "type": "integer", "minimum": 1, "maximum": 1000 }
  },
  "additionalProperties": true
}`
