package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// GroupKey identifies one fan-out channel instance. All connections sharing
// a key relay to each other; the durable buffer and archive are keyed the
// same way.
type GroupKey struct {
	ChannelType string
	OrgToken    string
	EndUserID   string
	SessionID   string
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.ChannelType, k.OrgToken, k.EndUserID, k.SessionID)
}

// ErrMissingMessage is returned for inbound frames without a "message" field.
var ErrMissingMessage = errors.New(`inbound frame missing "message" field`)

type frame struct {
	Message json.RawMessage `json:"message"`
}

// ExtractMessage pulls the required "message" field out of an inbound
// document. The rest of the document is opaque to the relay.
func ExtractMessage(payload json.RawMessage) (json.RawMessage, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode inbound frame: %w", err)
	}
	if len(f.Message) == 0 || string(f.Message) == "null" {
		return nil, ErrMissingMessage
	}
	return f.Message, nil
}

// WrapMessage builds the outbound relay frame around an original message,
// which is forwarded unchanged.
func WrapMessage(msg json.RawMessage) json.RawMessage {
	data, err := json.Marshal(frame{Message: msg})
	if err != nil {
		// A RawMessage that unmarshalled cannot fail to marshal.
		panic(err)
	}
	return data
}
