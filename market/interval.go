package market

import (
	"fmt"
	"time"
)

// Interval 表示一个受支持的 K 线周期，例如 "1m"、"4h"、"1d"。
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval2m  Interval = "2m"
	Interval3m  Interval = "3m"
	Interval4m  Interval = "4m"
	Interval5m  Interval = "5m"
	Interval10m Interval = "10m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval45m Interval = "45m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval3h  Interval = "3h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// allIntervals 按周期从小到大排列。
var allIntervals = []Interval{
	Interval1m, Interval2m, Interval3m, Interval4m, Interval5m,
	Interval10m, Interval15m, Interval30m, Interval45m,
	Interval1h, Interval2h, Interval3h, Interval4h,
	Interval1d,
}

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval2m:  2 * time.Minute,
	Interval3m:  3 * time.Minute,
	Interval4m:  4 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval10m: 10 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval45m: 45 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval3h:  3 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Intervals 返回全部受支持周期的副本。
func Intervals() []Interval {
	out := make([]Interval, len(allIntervals))
	copy(out, allIntervals)
	return out
}

// ParseInterval 校验周期名称。
func ParseInterval(name string) (Interval, error) {
	iv := Interval(name)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unsupported interval: %s", name)
	}
	return iv, nil
}

// Valid 判断周期是否受支持。
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Millis 返回周期的毫秒长度；未知周期返回 0。
func (i Interval) Millis() int64 {
	return intervalDurations[i].Milliseconds()
}

// Bucket 将毫秒时间戳向下取整到该周期的桶起点：floor(ts/d)*d。
func (i Interval) Bucket(tsMs int64) int64 {
	d := i.Millis()
	if d <= 0 {
		return tsMs
	}
	b := tsMs / d
	// 负时间戳需要向下取整而不是向零取整
	if tsMs%d != 0 && tsMs < 0 {
		b--
	}
	return b * d
}

func (i Interval) String() string { return string(i) }
