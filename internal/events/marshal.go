package events

import "encoding/json"

func marshalEvent(e StatusEvent) ([]byte, error) {
	return json.Marshal(e)
}
