package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const EventChargeSuccess = "charge.success"

// Event is a webhook delivery from the provider.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

type EventData struct {
	ID        int64          `json:"id"`
	Reference string         `json:"reference"`
	Status    string         `json:"status"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Metadata  map[string]any `json:"metadata"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("payment: decode event: %w", err)
	}
	if ev.Event == "" {
		return Event{}, fmt.Errorf("payment: event without type")
	}
	return ev, nil
}

// Successful reports whether the event confirms a completed charge.
func (e Event) Successful() bool {
	return e.Event == EventChargeSuccess && e.Data.Status == "success"
}

// TellID returns the tell the charge was opened for.
func (e Event) TellID() string {
	if e.Data.Metadata == nil {
		return ""
	}
	id, _ := e.Data.Metadata["tell_id"].(string)
	return id
}

// DeliveryKey identifies the delivery for deduplication across retries.
func (e Event) DeliveryKey() string {
	if e.Data.ID != 0 {
		return e.Event + ":" + strconv.FormatInt(e.Data.ID, 10)
	}
	return e.Event + ":" + e.Data.Reference
}
