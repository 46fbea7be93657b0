// Package migrations 内嵌账本、限额与任务表的全部 SQL 迁移。
// 文件名形如 NNNN_name.sql，按版本号顺序执行。
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
