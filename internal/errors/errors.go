// Package errors 提供全系统统一的错误码体系。
// 每个错误码在注册表中携带默认文案、严重程度、是否可重试
// 与是否需要告警，业务包在各自的 init 中补充注册。
package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Code 是跨包传递的错误码。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 基础错误码。领域错误码由各业务包自行注册。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Attributes 是错误码的注册信息。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Code]Attributes)
)

func init() {
	base := []struct {
		code Code
		attr Attributes
	}{
		{CodeUnknown, Attributes{Message: "unknown error", Severity: SeverityCritical, Alert: true}},
		{CodeInvalidArgument, Attributes{Message: "invalid argument", Severity: SeverityInfo}},
		{CodeNotFound, Attributes{Message: "resource not found", Severity: SeverityInfo}},
		{CodeConflict, Attributes{Message: "resource conflict", Severity: SeverityWarning}},
		{CodeAlreadyCompleted, Attributes{Message: "resource already completed", Severity: SeverityInfo}},
		{CodeRetriesExhausted, Attributes{Message: "retries exhausted", Severity: SeverityWarning, Alert: true}},
		{CodeInitializationFailure, Attributes{Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true}},
		{CodeStorageFailure, Attributes{Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true}},
		{CodeQueueFailure, Attributes{Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true}},
		{CodeTimeout, Attributes{Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true}},
	}
	for _, entry := range base {
		Register(entry.code, entry.attr)
	}
}

// Register 登记或覆盖一个错误码的默认属性。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 查询错误码属性，未注册的码回退到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、人类可读信息与可选的元数据。
// 严重程度默认取注册表，单个实例可用 WithSeverity 覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	severity *Severity
}

// Option 在构造时修饰 Error。
type Option func(*Error)

// WithMetadata 附加一对排障用的键值。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithSeverity 覆盖该实例的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 构造一个带码错误，message 为空时使用注册文案。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在底层错误外套一层带码错误，保留错误链。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.metadata[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap 暴露底层错误给 errors.Is / errors.As。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，同码即视为同一错误。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含码前缀的文案。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 报告该错误是否允许重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 报告该错误是否需要主动告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

func as(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 提取任意 error 的错误码，非带码错误归为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := as(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 报告任意 error 是否允许重试。
func RetryableError(err error) bool {
	if e, ok := as(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 报告任意 error 是否需要主动告警。
func ShouldAlert(err error) bool {
	if e, ok := as(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回任意 error 的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := as(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
