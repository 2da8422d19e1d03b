package model

import (
	"fmt"
	"time"
)

// DateLayout is the ISO calendar date format used for sale_date values.
const DateLayout = time.DateOnly

// Source distinguishes observed rows from forecasted rows in daily_sales_summary.
// The numeric values match the data_source column.
type Source int

const (
	SourceForecast Source = 0 // synthetic, written by the pipeline
	SourceActual   Source = 1 // observed sales
)

// String returns the human-readable source name.
func (s Source) String() string {
	switch s {
	case SourceForecast:
		return "forecast"
	case SourceActual:
		return "actual"
	default:
		return "unknown"
	}
}

// EntityKey identifies one forecastable series.
type EntityKey struct {
	ASIN         string `json:"asin"`
	SalesChannel string `json:"sales_channel"`
}

func (k EntityKey) String() string {
	return k.ASIN + "/" + k.SalesChannel
}

// Entity is a unit of pipeline work: either a single ASIN/channel pair or an
// IWASKU-prefix group. Group forecasts are stored under Key, whose ASIN is the
// group ID.
type Entity struct {
	Key     EntityKey `json:"key"`
	GroupID string    `json:"group_id,omitempty"`
}

// IsGroup reports whether the entity aggregates several products.
func (e Entity) IsGroup() bool {
	return e.GroupID != ""
}

func (e Entity) String() string {
	if e.IsGroup() {
		return fmt.Sprintf("group %s", e.GroupID)
	}
	return e.Key.String()
}

// NewGroupEntity builds the entity for an IWASKU-prefix group. The group's
// forecasts are attributed to channel.
func NewGroupEntity(groupID, channel string) Entity {
	return Entity{
		Key:     EntityKey{ASIN: groupID, SalesChannel: channel},
		GroupID: groupID,
	}
}

// Observation is one row of daily_sales_summary.
type Observation struct {
	ASIN         string    `json:"asin" csv:"asin"`
	SalesChannel string    `json:"sales_channel" csv:"sales_channel"`
	IWASKU       string    `json:"iwasku" csv:"iwasku"`
	SaleDate     time.Time `json:"sale_date" csv:"-"`
	Quantity     float64   `json:"total_quantity" csv:"total_quantity"`
	Source       Source    `json:"data_source" csv:"-"`
}

// Point is a single (date, value) pair of a daily series.
type Point struct {
	Date  time.Time `json:"ds"`
	Value float64   `json:"y"`
}

// Series is an ordered daily time series.
type Series []Point

// Last returns the final point of the series. It panics on an empty series.
func (s Series) Last() Point {
	return s[len(s)-1]
}

// Values returns the series values in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Value
	}
	return out
}

// ForecastRow is a normalized forecast row shaped for daily_sales_summary.
type ForecastRow struct {
	ASIN         string  `json:"asin"`
	SalesChannel string  `json:"sales_channel"`
	IWASKU       string  `json:"iwasku"`
	SaleDate     string  `json:"sale_date"`
	Quantity     float64 `json:"total_quantity"`
	Source       Source  `json:"data_source"`
}

// Key returns the entity key the row belongs to.
func (r ForecastRow) Key() EntityKey {
	return EntityKey{ASIN: r.ASIN, SalesChannel: r.SalesChannel}
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO calendar date into a UTC day.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
