package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultSendSlots n<=0 时的并发上限
const DefaultSendSlots = 100

var (
	ErrSendBusy    = errors.New("SEND_BUSY")
	ErrSlotNotHeld = errors.New("SEND_SLOT_NOT_HELD")
)

// SendLimiter 限制同时在途的发送（kafka worker 写 broker，ws 连接提交操作）
type SendLimiter struct {
	slots    chan struct{}
	rejected atomic.Uint64
}

func NewSendLimiter(n int) *SendLimiter {
	if n <= 0 {
		n = DefaultSendSlots
	}
	return &SendLimiter{slots: make(chan struct{}, n)}
}

// Acquire 等到有空槽或 ctx 结束；超时返回 ErrSendBusy（包着 ctx 的错误）
func (l *SendLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.rejected.Add(1)
		return fmt.Errorf("%w: %v", ErrSendBusy, ctx.Err())
	}
}

func (l *SendLimiter) Release() error {
	select {
	case <-l.slots:
		return nil
	default:
		return ErrSlotNotHeld
	}
}

// Do 占一个槽位执行 fn
func (l *SendLimiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

func (l *SendLimiter) InUse() int { return len(l.slots) }

func (l *SendLimiter) Capacity() int { return cap(l.slots) }

// Rejected 因等待超时没拿到槽位的次数
func (l *SendLimiter) Rejected() uint64 { return l.rejected.Load() }
