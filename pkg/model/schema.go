package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	frame    *jsonschema.Schema
	payloads map[EventType]*jsonschema.Schema
}

var schemas schemaRegistry

var payloadSchemas = map[EventType]string{
	EventChatJoin:    chatRefSchema,
	EventChatLeave:   chatRefSchema,
	EventTyping:      chatRefSchema,
	EventStopTyping:  chatRefSchema,
	EventMessageRead: markReadSchema,
	EventMessageSend: sendMessageSchema,
}

// schemaURL names the resource an event's schema compiles under. Event names
// carry colons, which the compiler would read as a URL scheme.
func schemaURL(t EventType) string {
	return "inbound_" + strings.NewReplacer(":", "_").Replace(string(t)) + ".json"
}

func initSchemas() error {
	schemas.once.Do(func() {
		frame, err := jsonschema.CompileString("inbound_frame.json", inboundFrameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.frame = frame

		schemas.payloads = make(map[EventType]*jsonschema.Schema, len(payloadSchemas))
		for t, src := range payloadSchemas {
			compiled, err := jsonschema.CompileString(schemaURL(t), src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.payloads[t] = compiled
		}
	})
	return schemas.initErr
}

// Inbound is a validated client frame with its typed command.
// Command is one of ChatRef, MarkRead or SendMessage.
type Inbound struct {
	Type    EventType
	ID      string
	Command any
}

// DecodeInbound validates raw against the frame schema and the schema of the
// named event, then decodes the payload into its command type. Every failure
// wraps ErrValidation.
func DecodeInbound(raw []byte) (Inbound, error) {
	if err := initSchemas(); err != nil {
		return Inbound{}, fmt.Errorf("compile schemas: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schemas.frame.Validate(doc); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	in := Inbound{Type: env.Type, ID: env.ID}

	schema, ok := schemas.payloads[env.Type]
	if !ok {
		return in, fmt.Errorf("%w: unknown event %q", ErrValidation, env.Type)
	}
	if err := ValidatePayload(schema, env.Payload); err != nil {
		return in, err
	}

	switch env.Type {
	case EventChatJoin, EventChatLeave, EventTyping, EventStopTyping:
		var c ChatRef
		if err := env.Decode(&c); err != nil {
			return in, err
		}
		in.Command = c
	case EventMessageRead:
		var m MarkRead
		if err := env.Decode(&m); err != nil {
			return in, err
		}
		in.Command = m
	case EventMessageSend:
		var s SendMessage
		if err := env.Decode(&s); err != nil {
			return in, err
		}
		in.Command = s
	}
	return in, nil
}

// ValidateBody checks a REST request body against the schema of the
// equivalent socket event.
func ValidateBody(t EventType, body []byte) error {
	if err := initSchemas(); err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	schema, ok := schemas.payloads[t]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", ErrValidation, t)
	}
	return ValidatePayload(schema, body)
}

func ValidatePayload(schema *jsonschema.Schema, payload []byte) error {
	var doc any
	if len(payload) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

const inboundFrameSchema = `{
  "type": "object",
  "required": ["type", "payload"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string" },
    "payload": { "type": "object" }
  },
  "additionalProperties": false
}`

const chatRefSchema = `{
  "type": "object",
  "required": ["chatId"],
  "properties": {
    "chatId": { "type": "string", "minLength": 1, "maxLength": 128 }
  },
  "additionalProperties": false
}`

const markReadSchema = `{
  "type": "object",
  "required": ["chatId", "messageIds"],
  "properties": {
    "chatId": { "type": "string", "minLength": 1, "maxLength": 128 },
    "messageIds": {
      "type": "array",
      "minItems": 1,
      "maxItems": 500,
      "items": { "type": "string", "minLength": 1, "maxLength": 128 }
    }
  },
  "additionalProperties": false
}`

const sendMessageSchema = `{
  "type": "object",
  "required": ["chatId"],
  "properties": {
    "chatId": { "type": "string", "minLength": 1, "maxLength": 128 },
    "text": { "type": "string", "maxLength": 5000 },
    "imageUrl": { "type": "string", "maxLength": 2048 }
  },
  "anyOf": [
    { "required": ["text"], "properties": { "text": { "minLength": 1 } } },
    { "required": ["imageUrl"], "properties": { "imageUrl": { "minLength": 1 } } }
  ],
  "additionalProperties": false
}`
