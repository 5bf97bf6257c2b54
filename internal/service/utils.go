package service

import (
	"fmt"
	"time"
)

// 将 time.Duration 原(1h0m0s或者5m0s)格式化为标准的 K 线周期字符串，如 "1m", "5m", "1h"
func FormatInterval(d time.Duration) string {
	// 优先处理小时 (h)
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}

	// 接着处理分钟 (m)
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}

	// 接着处理秒 (s)
	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}

	return d.String()
}
