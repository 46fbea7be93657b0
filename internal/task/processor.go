package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/lulu-molty/molty/internal/errors"
	"github.com/lulu-molty/molty/internal/observability/alerting"
	"github.com/lulu-molty/molty/internal/observability/metrics"
	"github.com/lulu-molty/molty/pkg/logger"
)

// HandlerFunc 按任务类型执行一次资金操作。
type HandlerFunc func(ctx context.Context, task *Task) (*Result, error)

// Processor 负责从队列消费任务并分发给按类型注册的处理器。
// 资金操作要求严格串行，默认只运行一个消费协程。
type Processor struct {
	store       Store
	consumer    Consumer
	producer    Producer
	deadLetters DeadLetterStore
	handlers    map[Kind]HandlerFunc
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。大于 1 时失去串行保证，仅用于只读任务。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithDeadLetterStore 配置死信存储。
func WithDeadLetterStore(store DeadLetterStore) ProcessorOption {
	return func(p *Processor) {
		p.deadLetters = store
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		handlers:    make(map[Kind]HandlerFunc),
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Register 注册某一任务类型的处理器。
func (p *Processor) Register(kind Kind, handler HandlerFunc) {
	if !IsValidKind(kind) || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	result, execErr := p.dispatch(ctx, task)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	var record Result
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	metrics.ObserveTask(string(task.Kind), "succeeded")
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("tx_id", record.TxID),
	)
	return nil
}

// dispatch 查找处理器并执行，panic 被转换为终态错误。
func (p *Processor) dispatch(ctx context.Context, task *Task) (result *Result, err error) {
	handler, ok := p.handlers[task.Kind]
	if !ok {
		return nil, xerrors.New(CodeTaskValidation, "没有注册该类型的处理器: "+string(task.Kind))
	}
	defer recoverPanic(&err)
	return handler(ctx, task)
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts > task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID, task.Priority); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		metrics.ObserveTask(string(task.Kind), "retried")
		// 告警级别的错误（如存储故障）不等重试耗尽，每次失败都通知。
		if xerrors.ShouldAlert(execErr) {
			alerting.NotifyAsync(p.alerter, alerting.Event{
				Code:       code,
				Message:    execErr.Error(),
				Severity:   xerrors.SeverityOf(execErr),
				TaskID:     task.ID,
				OccurredAt: time.Now(),
			})
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
		return nil
	}

	metrics.ObserveTask(string(task.Kind), "dead_lettered")
	p.deadLetter(ctx, task, code, execErr)
	return nil
}

// deadLetter 把终态失败的任务写入死信存储并发出告警，每个任务只会进入一次。
func (p *Processor) deadLetter(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p.deadLetters != nil {
		letter := DeadLetter{
			TaskID:    task.ID,
			Kind:      task.Kind,
			Payload:   string(task.Payload),
			Reason:    cause.Error(),
			Attempts:  task.Attempts,
			CreatedAt: time.Now().Unix(),
		}
		if err := p.deadLetters.Append(ctx, letter); err != nil {
			logger.L().Error("写入死信失败", slog.Any("error", err), slog.String("task_id", task.ID))
		}
	}

	alerting.NotifyAsync(p.alerter, alerting.Event{
		Code:     code,
		Message:  cause.Error(),
		Severity: xerrors.SeverityOf(cause),
		TaskID:   task.ID,
		Metadata: map[string]string{
			"kind":     string(task.Kind),
			"attempts": fmt.Sprintf("%d", task.Attempts),
		},
		OccurredAt: time.Now(),
	})
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}
