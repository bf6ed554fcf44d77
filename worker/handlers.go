package worker

// HandlerFunc مقدار برگشتی با همان content type درخواست سریالایز می‌شود.
// خطای برگشتی به شکل crew.WireError به کلاینت می‌رسد.
type HandlerFunc func(c *Context) (any, error)

// Raw بدون سریالایز کردن در بدنه‌ی پاسخ نوشته می‌شود.
type Raw []byte

type binding struct {
	queue   string
	handler HandlerFunc
	autoAck bool
}

type TaskOption func(*binding)

// AutoAck تحویل را قبل از اجرا ack شده فرض می‌کند (broker دیگر آن را نگه نمی‌دارد).
func AutoAck() TaskOption {
	return func(b *binding) { b.autoAck = true }
}
