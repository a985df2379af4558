package calendar

// MarkerKey is the private extended property stamped on every generated
// block event. Classification checks it exactly, not by free-text match.
const MarkerKey = "om76Mcss"

// MarkerValue is the value stored under MarkerKey on generated block events.
const MarkerValue = "block"

// StatusCancelled is the provider status carried by deleted events.
const StatusCancelled = "cancelled"

// EventTime holds either a timed or an all-day boundary, mirroring the
// provider wire shape.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Value returns the timed boundary when present, otherwise the all-day date.
func (t EventTime) Value() string {
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}

// IsZero reports whether neither boundary form is set.
func (t EventTime) IsZero() bool {
	return t.DateTime == "" && t.Date == ""
}

// ExtendedProperties carries provider-side custom key/value metadata.
type ExtendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

// Event is the provider event shape consumed and produced by the engine.
type Event struct {
	ID                 string              `json:"id,omitempty"`
	Summary            string              `json:"summary,omitempty"`
	Description        string              `json:"description,omitempty"`
	Start              EventTime           `json:"start,omitempty"`
	End                EventTime           `json:"end,omitempty"`
	Status             string              `json:"status,omitempty"`
	Visibility         string              `json:"visibility,omitempty"`
	Transparency       string              `json:"transparency,omitempty"`
	ExtendedProperties *ExtendedProperties `json:"extendedProperties,omitempty"`
}

// HasMarker reports whether the event carries the generated-block marker
// property.
func (e Event) HasMarker() bool {
	if e.ExtendedProperties == nil || e.ExtendedProperties.Private == nil {
		return false
	}
	return e.ExtendedProperties.Private[MarkerKey] == MarkerValue
}
