package chatsock

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// MsgIDField is the envelope field that selects a handler.
const MsgIDField = "msgid"

// jsonAPI keeps numbers as json.Number so integral msgids can be told apart
// from floats.
var jsonAPI = jsoniter.Config{
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

// Message is a decoded frame. It always carries an integral msgid; every
// other field is passed to the handler untouched.
type Message struct {
	// ID is the value of the msgid field.
	ID int
	// Fields is the decoded top-level object, msgid included.
	// Numbers are json.Number.
	Fields map[string]any
	// Raw is the frame the message was decoded from.
	Raw []byte
}

// Get returns the top-level field key.
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// Decode unmarshals the raw payload into v.
func (m *Message) Decode(v any) error {
	return errors.Wrap(jsonAPI.Unmarshal(m.Raw, v), "decode message")
}

// DecodeMessage parses frame into a Message.
//
// It never panics on bad input. A frame that is not valid UTF-8 JSON yields a
// *DecodeError of KindMalformedPayload; a valid document that is not an object
// or lacks an integral msgid yields KindInvalidEnvelope. DecodeMessage does no
// I/O and no logging.
func DecodeMessage(frame Frame) (*Message, error) {
	if !utf8.Valid(frame) {
		return nil, &DecodeError{Kind: KindMalformedPayload, Err: errors.New("payload is not valid UTF-8")}
	}

	if !jsonAPI.Valid(frame) {
		return nil, &DecodeError{Kind: KindMalformedPayload, Err: errors.New("payload is not valid JSON")}
	}

	var doc any
	if err := jsonAPI.Unmarshal(frame, &doc); err != nil {
		return nil, &DecodeError{Kind: KindMalformedPayload, Err: err}
	}
	if err := checkNumbers(doc); err != nil {
		return nil, &DecodeError{Kind: KindMalformedPayload, Err: err}
	}

	fields, ok := doc.(map[string]any)
	if !ok {
		return nil, &DecodeError{Kind: KindInvalidEnvelope, Err: errors.New("payload is not an object")}
	}

	id, err := msgID(fields)
	if err != nil {
		return nil, &DecodeError{Kind: KindInvalidEnvelope, Err: err}
	}

	return &Message{ID: id, Fields: fields, Raw: frame}, nil
}

// checkNumbers rejects number literals with a redundant leading zero, such as
// -01, which the decoder otherwise lets through.
func checkNumbers(v any) error {
	switch v := v.(type) {
	case json.Number:
		s := strings.TrimPrefix(v.String(), "-")
		if len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9' {
			return errors.Errorf("number %s has a leading zero", v)
		}
	case map[string]any:
		for _, item := range v {
			if err := checkNumbers(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := checkNumbers(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func msgID(fields map[string]any) (int, error) {
	raw, ok := fields[MsgIDField]
	if !ok {
		return 0, errors.Errorf("missing %q field", MsgIDField)
	}

	num, ok := raw.(json.Number)
	if !ok {
		return 0, errors.Errorf("%q field is %T, want integer", MsgIDField, raw)
	}

	id, err := strconv.ParseInt(num.String(), 10, strconv.IntSize)
	if err != nil {
		return 0, errors.Errorf("%q field %s is not an integer", MsgIDField, num)
	}
	return int(id), nil
}
