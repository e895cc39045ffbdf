package model

// DeliveryEvent is handed to the dispatcher by business logic. Type only
// drives client side iconography; it never affects routing.
type DeliveryEvent struct {
	UserID         string
	Title          string
	Body           string
	Payload        map[string]any
	Type           string
	NotificationID string
}

// NotificationPayload is the envelope emitted as a "notification" event.
type NotificationPayload struct {
	ID      string         `json:"id,omitempty"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Type    string         `json:"type,omitempty"`
}

// Envelope normalizes the event into its wire payload.
func (e DeliveryEvent) Envelope() NotificationPayload {
	return NotificationPayload{
		ID:      e.NotificationID,
		Title:   e.Title,
		Message: e.Body,
		Data:    e.Payload,
		Type:    e.Type,
	}
}
