package sql

import (
	"fmt"
	"strings"

	"relmap/errors"
)

// isSafeIdentifier 判断是否为安全的表名/列名：一个或多个以点分隔的段，
// 每段以 [A-Za-z_] 开头，其余字符为 [A-Za-z0-9_]。
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			letter := ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
			if !letter && (i == 0 || ch < '0' || ch > '9') {
				return false
			}
		}
	}
	return true
}

// IsSafeIdentifier 供映射校验在启动期提前拒绝非法表名/列名。
func IsSafeIdentifier(name string) bool {
	return isSafeIdentifier(name)
}

// checkIdentifiers 任一标识符不安全时返回 INVALID_INPUT，what 描述标识符用途（表、列）。
func checkIdentifiers(statement, what string, names ...string) error {
	for _, name := range names {
		if !isSafeIdentifier(name) {
			return errors.NewError(errors.ErrCodeInvalidInput,
				fmt.Sprintf("%s: unsafe %s name %q", statement, what, name))
		}
	}
	return nil
}

func invalidStatement(statement, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidInput, statement+": "+reason)
}
