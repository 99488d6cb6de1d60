package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"freelance-chat/internal/platform/logger"
)

var errWatchClosed = errors.New("watch channel closed by store")

// Observer 訂閱的回呼集合；所有回呼都在同一個 goroutine 上依序執行.
//
// Next 每次都收到完整的目前結果（不是差量）。查詢失敗時先收到空結果再收到 Error.
// Loaded 只會觸發一次：timedOut 為 true 代表安全超時先於初始資料到達.
type Observer[T any] struct {
	Next   func(items []T)
	Error  func(err error)
	Loaded func(timedOut bool)

	// fail 設定時取代失敗時的 Next([]) + Error，讓空結果與錯誤一次送達
	fail func(err error)
}

// Subscription 一個即時訂閱的取消句柄.
type Subscription struct {
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
	done   chan struct{}

	// mu 包住「檢查 closed + 執行回呼」，Unsubscribe 藉此等待執行中的回呼
	mu         sync.Mutex
	inCallback atomic.Bool
}

// Unsubscribe 停止訂閱；可重複呼叫，也可以在回呼內呼叫.
// 回傳後不會再有回呼開始執行；底層監聽會在背景釋放.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	// 已通過檢查但尚未開始的回呼會持有 mu，取得 mu 即代表它已結束.
	// inCallback 為 true 時回呼已經開始（也可能正是呼叫端自己），不能等待
	if !s.inCallback.Load() {
		s.mu.Lock()
		s.mu.Unlock()
	}
}

// Done 在訂閱的所有 goroutine 與存儲監聽都釋放後關閉.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait 等待訂閱完全釋放；不可在回呼內呼叫.
func (s *Subscription) Wait() {
	<-s.done
}

// deliver 在訂閱仍有效時執行 fn；與 Unsubscribe 互斥.
func (s *Subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	fn()
	return true
}

type taggedSnapshot struct {
	index int
	snap  Snapshot
}

// feed 把多個單欄位監聽合併成一個訂閱.
type feed[T any] struct {
	name    string
	store   EventStore
	queries []Query
	derive  func(results [][]Message) []T
	obs     Observer[T]
	timeout time.Duration
	onError func(err error)
}

// start 啟動訂閱；存儲註冊在背景進行，不會阻塞呼叫端或安全超時.
func (f *feed[T]) start(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	in := make(chan taggedSnapshot)
	var wg sync.WaitGroup
	for i, q := range f.queries {
		wg.Add(1)
		go func(i int, q Query) {
			defer wg.Done()
			f.forward(ctx, i, q, in)
		}(i, q)
	}

	go func() {
		defer close(sub.done)
		defer wg.Wait()
		defer sub.Unsubscribe()
		f.run(ctx, sub, in)
	}()
	return sub
}

// forward 註冊單一查詢並把快照標上索引後轉進 in
func (f *feed[T]) forward(ctx context.Context, index int, q Query, in chan<- taggedSnapshot) {
	ch, err := f.store.Watch(ctx, q)
	if err != nil {
		if ctx.Err() == nil {
			select {
			case in <- taggedSnapshot{index: index, snap: Snapshot{Err: err}}:
			case <-ctx.Done():
			}
		}
		return
	}

	for snap := range ch {
		select {
		case in <- taggedSnapshot{index: index, snap: snap}:
		case <-ctx.Done():
			// 繼續排空直到存儲關閉 channel，確保監聽已釋放
		}
	}

	if ctx.Err() == nil {
		select {
		case in <- taggedSnapshot{index: index, snap: Snapshot{Err: errWatchClosed}}:
		case <-ctx.Done():
		}
	}
}

func (f *feed[T]) run(ctx context.Context, sub *Subscription, in <-chan taggedSnapshot) {
	n := len(f.queries)
	results := make([][]Message, n)
	errs := make([]error, n)
	seen := make([]bool, n)
	pending := n
	loaded := false

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	timeoutC := timer.C

	for {
		select {
		case <-ctx.Done():
			return

		case <-timeoutC:
			timeoutC = nil
			if !loaded {
				loaded = f.loaded(sub, true)
			}

		case t := <-in:
			if !seen[t.index] {
				seen[t.index] = true
				pending--
			}
			if t.snap.Err != nil {
				errs[t.index] = t.snap.Err
			} else {
				errs[t.index] = nil
				results[t.index] = t.snap.Messages
			}

			// 初次載入要等所有查詢都回報，避免只有一半資料時算出錯誤的未讀數
			if pending > 0 && t.snap.Err == nil {
				continue
			}

			f.emit(ctx, sub, results, errs, t.snap.Err)

			if !loaded {
				loaded = f.loaded(sub, false)
				if loaded {
					timeoutC = nil
				}
			}
		}
	}
}

func (f *feed[T]) loaded(sub *Subscription, timedOut bool) bool {
	return sub.deliver(func() {
		if f.obs.Loaded != nil {
			f.obs.Loaded(timedOut)
		}
	})
}

func (f *feed[T]) emit(ctx context.Context, sub *Subscription, results [][]Message, errs []error, latest error) {
	var first error
	for _, err := range errs {
		if err != nil {
			first = err
			break
		}
	}

	if first != nil {
		var wrapped error
		if latest != nil {
			wrapped = fmt.Errorf("%w: %w", ErrStoreQuery, latest)
			if f.onError != nil {
				f.onError(wrapped)
			}
		}
		sub.deliver(func() {
			if f.obs.fail != nil {
				if wrapped == nil {
					wrapped = fmt.Errorf("%w: %w", ErrStoreQuery, first)
				}
				f.obs.fail(wrapped)
				return
			}
			if f.obs.Next != nil {
				f.obs.Next([]T{})
			}
			if wrapped != nil && f.obs.Error != nil {
				f.obs.Error(wrapped)
			}
		})
		return
	}

	items := f.derive(results)
	logger.Debug(ctx, "推送訂閱快照",
		logger.WithAction(f.name),
		logger.WithDetails(map[string]interface{}{"items": len(items)}))
	sub.deliver(func() {
		if f.obs.Next != nil {
			f.obs.Next(items)
		}
	})
}

// State 訂閱在某一時刻的完整狀態.
type State[T any] struct {
	Items    []T
	Loaded   bool
	TimedOut bool
	Err      error
}

// Watcher 把 Observer 回呼轉成「只留最新」的 State channel，供傳輸層使用.
type Watcher[T any] struct {
	ch    chan State[T]
	state State[T]
}

// NewWatcher 建立 Watcher；Observer() 必須交給剛好一個訂閱.
func NewWatcher[T any]() *Watcher[T] {
	return &Watcher[T]{ch: make(chan State[T], 1)}
}

// Updates 狀態變更通知；慢速消費者只會看到最新狀態.
func (w *Watcher[T]) Updates() <-chan State[T] {
	return w.ch
}

// Observer 回傳寫入此 Watcher 的回呼.
func (w *Watcher[T]) Observer() Observer[T] {
	return Observer[T]{
		Next: func(items []T) {
			w.state.Items = items
			w.state.Err = nil
			w.push()
		},
		Error: func(err error) {
			w.state.Err = err
			w.push()
		},
		Loaded: func(timedOut bool) {
			w.state.Loaded = true
			w.state.TimedOut = timedOut
			w.push()
		},
		fail: func(err error) {
			w.state.Items = []T{}
			w.state.Err = err
			w.push()
		},
	}
}

// push 只會在訂閱的單一 goroutine 上呼叫
func (w *Watcher[T]) push() {
	s := w.state
	select {
	case w.ch <- s:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- s:
	default:
	}
}
