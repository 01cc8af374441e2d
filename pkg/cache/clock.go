package cache

import "time"

// Clock 时间来源
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 返回使用系统时间的时钟
func SystemClock() Clock { return systemClock{} }
