package outbox

import (
	"encoding/json"

	"orderflow/apperr"
	"orderflow/eventstore"
)

func eventJSON(e eventstore.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, apperr.Wrap(apperr.Serialization, "marshal outbox event", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (eventstore.Event, error) {
	var e eventstore.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return eventstore.Event{}, apperr.Wrap(apperr.Serialization, "unmarshal outbox event", err)
	}
	return e, nil
}
