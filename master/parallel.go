package master

import (
	"context"
	"sync"

	"github.com/mrjvadi/crew"
)

// Outcome نتیجه‌ی یک call در یک Batch.
type Outcome struct {
	ID    string
	Reply *Reply
	Err   error
}

// Parallel چند call را جمع می‌کند تا همه با هم و به ترتیب ارسال برگردند.
type Parallel struct {
	c     *Client
	mu    sync.Mutex
	calls []*Result
}

func (c *Client) Parallel() *Parallel {
	return &Parallel{c: c}
}

// Call مثل Client.Call؛ correlation id همیشه داخلی ساخته می‌شود.
func (p *Parallel) Call(ctx context.Context, channel string, payload any, opts ...CallOption) error {
	o := defaultCallOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.correlationID != "" {
		return &crew.ValidationError{Field: "correlation_id", Reason: "parallel calls generate their own ids"}
	}
	r, err := p.c.Call(ctx, channel, payload, opts...)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.calls = append(p.calls, r)
	p.mu.Unlock()
	return nil
}

// Result از call هایی که تا همین لحظه ثبت شده‌اند یک Batch می‌سازد و
// Parallel را برای دسته‌ی بعدی خالی می‌کند. call های بعدی روی این Batch
// اثری ندارند.
func (p *Parallel) Result() *Batch {
	p.mu.Lock()
	calls := p.calls
	p.calls = nil
	p.mu.Unlock()

	b := &Batch{done: make(chan struct{}), outcomes: make([]Outcome, len(calls))}
	go func() {
		defer close(b.done)
		for i, r := range calls {
			<-r.Done()
			b.outcomes[i] = Outcome{ID: r.ID, Reply: r.reply, Err: r.err}
		}
	}()
	return b
}

type Batch struct {
	done     chan struct{}
	outcomes []Outcome
}

func (b *Batch) Done() <-chan struct{} { return b.done }

func (b *Batch) Len() int { return len(b.outcomes) }

// Wait نتایج را به ترتیب call برمی‌گرداند، نه به ترتیب رسیدن.
func (b *Batch) Wait(ctx context.Context) ([]Outcome, error) {
	select {
	case <-b.done:
		return b.outcomes, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
