package agent

import (
	"sync"
	"time"
)

// BreakerState 表示熔断器状态。
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker 实现熔断器状态机，防止故障级联。
//
// 状态转移：closed 在连续失败达到阈值后转 open；open 在恢复超时后
// 转 half_open 试探；half_open 单次失败立即回 open，连续成功达到
// 探测次数后复位为 closed。
type CircuitBreaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	now func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

// NewCircuitBreaker 创建熔断器。
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = time.Minute
	}
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 3
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		now:              time.Now,
		state:            BreakerClosed,
	}
}

// State 返回当前状态。
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CanExecute 是调用方执行受保护操作前必须经过的唯一闸门。
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if !cb.lastFailureTime.IsZero() && cb.now().Sub(cb.lastFailureTime) >= cb.recoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenCalls = 0
			return true
		}
		return false
	default: // half_open 允许有限试探
		return true
	}
}

// RecordSuccess 记录一次成功调用。
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.halfOpenCalls++
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			cb.reset()
		}
	case BreakerClosed:
		cb.failureCount = 0
	}
}

// RecordFailure 记录一次失败调用。
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		return
	}
	if cb.failureCount >= cb.failureThreshold {
		cb.state = BreakerOpen
	}
}

func (cb *CircuitBreaker) reset() {
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.halfOpenCalls = 0
}
