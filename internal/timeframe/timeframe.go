// Package timeframe buckets date ranges and pads sparse query results
// into continuous time series for the reporting surfaces.
package timeframe

import (
	"fmt"
	"time"
)

// BucketSize is the granularity of one series point.
type BucketSize string

const (
	BucketSizeHour  BucketSize = "hour"
	BucketSizeDay   BucketSize = "day"
	BucketSizeWeek  BucketSize = "week"
	BucketSizeMonth BucketSize = "month"
)

// ParseBucketSize validates a user-supplied bucket size, defaulting to day.
func ParseBucketSize(s string) (BucketSize, error) {
	switch BucketSize(s) {
	case BucketSizeHour, BucketSizeDay, BucketSizeWeek, BucketSizeMonth:
		return BucketSize(s), nil
	case "":
		return BucketSizeDay, nil
	}
	return "", fmt.Errorf("unknown bucket size: %s", s)
}

// TimeFrame is a closed interval bucketed at one granularity.
type TimeFrame struct {
	From       time.Time
	To         time.Time
	BucketSize BucketSize
}

// NewTimeFrame validates and builds a time frame over [from, to].
func NewTimeFrame(from, to time.Time, bucketSize BucketSize) (*TimeFrame, error) {
	if from.After(to) {
		return nil, fmt.Errorf("from must be before to")
	}
	return &TimeFrame{
		From:       truncateToBucket(from, bucketSize),
		To:         to.UTC(),
		BucketSize: bucketSize,
	}, nil
}

// SpendStat is one point of a reporting series.
type SpendStat struct {
	Date        string  `json:"date"`
	Spend       float64 `json:"spend"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	CPM         float64 `json:"cpm"`
	CPC         float64 `json:"cpc"`
	CTR         float64 `json:"ctr"`
}

// GroupExpression returns the SQLite expression grouping a timestamp
// column into this frame's buckets.
func (tf *TimeFrame) GroupExpression(column string) string {
	switch tf.BucketSize {
	case BucketSizeHour:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H', %s)", column)
	case BucketSizeWeek:
		return fmt.Sprintf("date(%s, 'start of day', '-' || ((strftime('%%w', %s) + 6) %% 7) || ' days')", column, column)
	case BucketSizeMonth:
		return fmt.Sprintf("strftime('%%Y-%%m', %s)", column)
	default:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d', %s)", column)
	}
}

func (tf *TimeFrame) bucketLabel(t time.Time) string {
	switch tf.BucketSize {
	case BucketSizeHour:
		return t.Format("2006-01-02 15")
	case BucketSizeMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

func (tf *TimeFrame) advance(t time.Time) time.Time {
	switch tf.BucketSize {
	case BucketSizeHour:
		return t.Add(time.Hour)
	case BucketSizeWeek:
		return t.AddDate(0, 0, 7)
	case BucketSizeMonth:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Buckets enumerates every bucket start inside the frame.
func (tf *TimeFrame) Buckets() []time.Time {
	const maxPoints = 1000
	var out []time.Time
	for t := tf.From; !t.After(tf.To) && len(out) < maxPoints; t = tf.advance(t) {
		out = append(out, t)
	}
	return out
}

// PadSeries fills gaps in grouped query results so every bucket of the
// frame appears exactly once, in order, with zero rows where the query
// returned nothing. Chart grids require a continuous series.
func (tf *TimeFrame) PadSeries(grouped []SpendStat) []SpendStat {
	byLabel := make(map[string]SpendStat, len(grouped))
	for _, row := range grouped {
		byLabel[tf.normalizeLabel(row.Date)] = row
	}

	buckets := tf.Buckets()
	out := make([]SpendStat, len(buckets))
	for i, bucket := range buckets {
		label := tf.bucketLabel(bucket)
		if row, ok := byLabel[label]; ok {
			row.Date = label
			out[i] = row
			continue
		}
		out[i] = SpendStat{Date: label}
	}
	return out
}

// normalizeLabel trims database date strings down to the bucket label width.
func (tf *TimeFrame) normalizeLabel(s string) string {
	width := 10
	switch tf.BucketSize {
	case BucketSizeHour:
		width = 13
	case BucketSizeMonth:
		width = 7
	}
	if len(s) > width {
		return s[:width]
	}
	return s
}

func truncateToBucket(t time.Time, bucketSize BucketSize) time.Time {
	utc := t.UTC()
	year, month, day := utc.Year(), utc.Month(), utc.Day()

	switch bucketSize {
	case BucketSizeMonth:
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	case BucketSizeWeek:
		weekday := int(utc.Weekday())
		if weekday == 0 { // Sunday
			weekday = 7
		}
		return time.Date(year, month, day-(weekday-1), 0, 0, 0, 0, time.UTC)
	case BucketSizeHour:
		return time.Date(year, month, day, utc.Hour(), 0, 0, 0, time.UTC)
	default:
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	}
}
