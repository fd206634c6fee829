package alert

import (
	"encoding/json"
	"strings"
)

// Notification is the JSON document republished for a triggered alert.
type Notification struct {
	NotificationID  string      `json:"notification_id"`
	ID              string      `json:"id"`
	SentAt          string      `json:"sentAt"`
	Headline        string      `json:"headline"`
	Severity        Severity    `json:"severity"`
	Reason          string      `json:"reason"`
	HomeCoordinates *[2]float64 `json:"home_coordinates"`
	PolicyMode      string      `json:"policy_mode"`
	DistanceKm      *float64    `json:"distance_km,omitempty"`
}

// Marshal encodes n as JSON.
func (n *Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotification parses a payload produced by Marshal.
func DecodeNotification(b []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Topic returns the publish topic for a severity level under prefix,
// e.g. "klaxon/alerts/severe".
func Topic(prefix string, level Severity) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return "alerts/" + string(level)
	}
	return prefix + "/alerts/" + string(level)
}
