package task

import (
	"fmt"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// recoverPanic 把处理器内的 panic 转换为不可重试的终态错误。
// 处理循环绝不允许被单个任务拖垮。
func recoverPanic(errp *error) {
	if r := recover(); r != nil {
		*errp = xerrors.New(CodeTaskPanic, fmt.Sprintf("任务处理器异常退出: %v", r))
	}
}
