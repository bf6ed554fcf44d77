// Package crew نام‌ها و قراردادهای مشترک بین master و worker را نگه می‌دارد.
//
// همه‌ی صف‌ها و exchange ها باید دقیقا با همین نام‌ها ساخته شوند تا
// کلاینت‌ها و ورکرهای نسخه‌های مختلف با هم کار کنند.
package crew

import (
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// توپولوژی broker
const (
	TaskQueuePrefix       = "crew.tasks."
	MasterQueuePrefix     = "crew.master."
	SubscriberQueuePrefix = "crew.subscribe."

	DeadLetterExchange = "crew.DLX"
	DeadLetterQueue    = "crew.DLX"
	PubSubExchange     = "crew.PUBSUB"

	HeaderOriginalSender = "x-original-sender"
	HeaderChannelName    = "x-channel-name"
	HeaderDeath          = "x-death"

	ArgDeadLetterExchange = "x-dead-letter-exchange"
	ArgMessageTTL         = "x-message-ttl"

	// میلی‌ثانیه
	ReplyQueueTTL = 60000
	TaskQueueTTL  = 600000

	// ثانیه
	DefaultExpiration = 86400

	// مقدار پراپرتی type برای پاسخ‌هایی که خطا حمل می‌کنند
	ErrorMessageType = "crew.error"
)

// TaskQueue نام صف یک کانال را برمی‌گرداند.
func TaskQueue(channel string) string {
	if strings.HasPrefix(channel, TaskQueuePrefix) {
		return channel
	}
	return TaskQueuePrefix + channel
}

// ChannelOf عکس TaskQueue است.
func ChannelOf(queue string) string {
	return strings.TrimPrefix(queue, TaskQueuePrefix)
}

func NewUID() string {
	return uuid.NewString()
}

// NodeUID شناسه‌ی پایدار ماشین (uuid نسخه ۵ روی FQDN).
func NodeUID() string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(fqdn())).String()
}

func fqdn() string {
	host, _ := os.Hostname()
	if host == "" {
		return "localhost"
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return host
	}
	return strings.TrimSuffix(names[0], ".")
}
