package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Point is one bar of the chart.
type Point struct {
	Board string `json:"board"`
	Value int64  `json:"value"`
	Color string `json:"color"`
}

// Series mirrors the chart projection for one day.
type Series struct {
	Day    string  `json:"day"`
	Label  string  `json:"label"`
	Points []Point `json:"points"`
}

// Boards mirrors the GET /boards response.
type Boards struct {
	Day         string                    `json:"day"`
	Label       string                    `json:"label"`
	Boards      map[string]map[string]any `json:"boards"`
	Series      Series                    `json:"series"`
	Celebrating bool                      `json:"celebrating"`
}

// Student is a present attendee.
type Student struct {
	Group           string `json:"group"`
	Prefix          string `json:"prefix"`
	Name            string `json:"name"`
	Location        string `json:"location,omitempty"`
	Points          int64  `json:"points"`
	AttendanceField string `json:"attendance_field"`
	PointsField     string `json:"points_field"`
}

// Roster mirrors the GET /roster response.
type Roster struct {
	Day      string    `json:"day"`
	Students []Student `json:"students"`
}

// Slot is one scheduled activity.
type Slot struct {
	Key      string `json:"key"`
	Activity string `json:"activity"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
}

// Schedule mirrors the GET /schedule/{group} response.
type Schedule struct {
	Group   string `json:"group"`
	Slots   []Slot `json:"slots"`
	Current *Slot  `json:"current,omitempty"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// Stats mirrors the GET /stats response.
type Stats struct {
	Today         map[string]int64 `json:"today"`
	WriteFailures int64            `json:"write_failures"`
	LastEvent     *time.Time       `json:"last_event,omitempty"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// IsVisitorView reports whether err is the read-only screen rejection.
func IsVisitorView(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "visitor_view"
}

// ErrEmptyBoard is returned when a board or group id is empty.
var ErrEmptyBoard = errors.New("board id is required")
