package transport

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Message is the unit exchanged between members. Data is opaque to the
// transport; protocol layers encode their own payloads into it.
type Message struct {
	Qualifier     string  `json:"q"`
	CorrelationID string  `json:"cid,omitempty"`
	Sender        Address `json:"sender"`
	Data          []byte  `json:"data,omitempty"`
}

// NewMessage builds a message whose Data is the JSON encoding of payload.
func NewMessage(qualifier, correlationID string, payload any) (Message, error) {
	msg := Message{Qualifier: qualifier, CorrelationID: correlationID}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "encode %s payload", qualifier)
	}
	msg.Data = data
	return msg, nil
}

// Decode unmarshals Data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return errors.Newf("empty %s payload", m.Qualifier)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", m.Qualifier)
	}
	return nil
}

// Reply builds a response to m carrying the same correlation id.
func (m Message) Reply(qualifier string, payload any) (Message, error) {
	return NewMessage(qualifier, m.CorrelationID, payload)
}
