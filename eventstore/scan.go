package eventstore

import (
	"database/sql"
	"encoding/json"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, error) {
	var (
		e        Event
		metaJSON []byte
	)
	if err := r.Scan(
		&e.EventID,
		&e.AggregateID,
		&e.AggregateType,
		&e.EventType,
		&e.EventVersion,
		&e.Payload,
		&metaJSON,
		&e.Version,
		&e.CreatedAt,
	); err != nil {
		return Event{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return Event{}, err
		}
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := make([]Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func marshalMetadata(md Metadata) ([]byte, error) {
	return json.Marshal(md)
}
