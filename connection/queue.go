package connection

import (
	"container/heap"
	"sort"
)

// مرحله‌ی اجرای عملیات‌ها؛ عدد کمتر زودتر اجرا می‌شود.
const (
	StageQos      = 5
	StageExchange = 10
	StageQueue    = 20
	StageBind     = 500
	StageConsume  = 600
	StageCancel   = 900
	StageDelete   = 950
	StagePublish  = 1000
)

type op struct {
	stage   int
	seq     uint64
	key     string // شناسه در replay set؛ خالی یعنی یک‌بار مصرف
	durable bool
	forget  string // حذف این کلید از replay set قبل از اجرا

	run  func(Channel) error
	fail func(error)
	skip func()

	// future نتیجه‌ی تایپ‌دار؛ follow آن را به نتیجه‌ی op جایگزین گره می‌زند.
	future any
	follow func(next *op)
}

func (o *op) less(p *op) bool {
	if o.stage != p.stage {
		return o.stage < p.stage
	}
	return o.seq < p.seq
}

// opQueue صف اولویت روی (stage, seq).
type opQueue []*op

func (q opQueue) Len() int           { return len(q) }
func (q opQueue) Less(i, j int) bool { return q[i].less(q[j]) }
func (q opQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *opQueue) Push(x any)        { *q = append(*q, x.(*op)) }
func (q *opQueue) Pop() any {
	old := *q
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return o
}

func (q *opQueue) push(o *op) { heap.Push(q, o) }
func (q *opQueue) pop() *op   { return heap.Pop(q).(*op) }

// replaySet عملیات‌هایی که بعد از هر reconnect دوباره اجرا می‌شوند.
type replaySet struct {
	byKey map[string]*op
}

func newReplaySet() *replaySet {
	return &replaySet{byKey: make(map[string]*op)}
}

// add op قبلی با همان کلید را، اگر باشد، برمی‌گرداند.
func (r *replaySet) add(o *op) *op {
	prev := r.byKey[o.key]
	r.byKey[o.key] = o
	if prev == o {
		return nil
	}
	return prev
}

func (r *replaySet) remove(key string) *op {
	o, ok := r.byKey[key]
	if !ok {
		return nil
	}
	delete(r.byKey, key)
	return o
}

// removeOp فقط اگر همین op هنوز صاحب کلید باشد.
func (r *replaySet) removeOp(o *op) {
	if cur, ok := r.byKey[o.key]; ok && cur == o {
		delete(r.byKey, o.key)
	}
}

func (r *replaySet) ordered() []*op {
	out := make([]*op, 0, len(r.byKey))
	for _, o := range r.byKey {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

func (r *replaySet) len() int { return len(r.byKey) }
