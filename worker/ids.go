package worker

import (
	"os"
	"strconv"
	"sync/atomic"
)

var (
	seq       atomic.Uint64
	tagPrefix = func() string {
		h, _ := os.Hostname()
		if h == "" {
			h = "h"
		}
		return "crew-" + h + "-" + strconv.Itoa(os.Getpid()) + "-"
	}()
)

// consumerTag برای هر صف یک tag یکتا در این پروسه؛ در management UI
// مشخص می‌کند کدام ورکر روی صف نشسته است.
func consumerTag() string {
	n := seq.Add(1)
	return tagPrefix + strconv.FormatUint(n, 36)
}
