package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kalshi-arb/internal/config"
)

// Runner 是一个可被监督的工作单元，Tick 代表一次完整的工作循环。
type Runner interface {
	Name() string
	Tick(ctx context.Context) error
}

// StartHook 在监督循环启动时调用一次，用于初始化。
type StartHook interface {
	OnStart(ctx context.Context) error
}

// StopHook 在监督循环退出时恰好调用一次，包括出错路径。
type StopHook interface {
	OnStop(ctx context.Context) error
}

// Health 是代理健康状况的按需快照，不做持久化。
type Health struct {
	Name              string       `json:"name"`
	Running           bool         `json:"running"`
	Uptime            float64      `json:"uptime_seconds"`
	BreakerState      BreakerState `json:"circuit_breaker_state"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	TotalErrors       int          `json:"total_errors"`
}

// Supervisor 将 Runner 包进带熔断与指数退避的自愈循环。
type Supervisor struct {
	runner  Runner
	cfg     config.AgentConfig
	breaker *CircuitBreaker
	logger  *zap.Logger

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	consecutive int
	totalErrors int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor 创建监督器。
func NewSupervisor(runner Runner, cfg config.AgentConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		runner:  runner,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerRecovery, cfg.BreakerHalfOpenCalls),
		logger:  logger.With(zap.String("agent", runner.Name())),
	}
}

// Start 启动监督循环，重复调用无副作用。
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.runLoop(loopCtx)
	s.logger.Info("代理已启动")
}

// Stop 请求停止并等待循环退出。
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("代理已停止")
}

func (s *Supervisor) runLoop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	// OnStop 必须恰好执行一次，即使 OnStart 或 Tick 出错。
	defer func() {
		if hook, ok := s.runner.(StopHook); ok {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hook.OnStop(stopCtx); err != nil {
				s.logger.Warn("代理清理失败", zap.Error(err))
			}
		}
	}()

	if hook, ok := s.runner.(StartHook); ok {
		if err := hook.OnStart(ctx); err != nil {
			s.logger.Error("代理初始化失败", zap.Error(err))
			return
		}
	}

	openWait := s.cfg.OpenWait
	if openWait <= 0 {
		openWait = 5 * time.Second
	}

	for ctx.Err() == nil {
		// 熔断开启时协作式让路，而不是忙等。
		if !s.breaker.CanExecute() {
			s.logger.Warn("熔断器开启，等待恢复", zap.Duration("wait", openWait))
			if err := sleepCtx(ctx, openWait); err != nil {
				return
			}
			continue
		}

		err := s.tickSafe(ctx)
		if err == nil {
			s.mu.Lock()
			s.consecutive = 0
			s.mu.Unlock()
			s.breaker.RecordSuccess()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.consecutive++
		s.totalErrors++
		consecutive := s.consecutive
		s.mu.Unlock()
		s.breaker.RecordFailure()

		backoff := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, consecutive)
		s.logger.Error("代理工作循环出错",
			zap.Int("consecutive", consecutive),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, backoff); err != nil {
			return
		}
	}
}

// tickSafe 捕获 Tick 中的 panic，代理的任何错误都不允许终止进程。
func (s *Supervisor) tickSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("代理panic: %v", r)
		}
	}()
	return s.runner.Tick(ctx)
}

// Health 重新计算并返回健康快照。
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uptime float64
	if s.running && !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Seconds()
	}
	return Health{
		Name:              s.runner.Name(),
		Running:           s.running,
		Uptime:            uptime,
		BreakerState:      s.breaker.State(),
		ConsecutiveErrors: s.consecutive,
		TotalErrors:       s.totalErrors,
	}
}

// Running 返回循环是否仍在运行。
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// backoffDelay 按连续失败次数计算退避：min(base * 2^(n-1), cap)。
func backoffDelay(base, cap time.Duration, consecutive int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	if consecutive < 1 {
		consecutive = 1
	}
	delay := base
	for i := 1; i < consecutive; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
