// Package validation 提供实体写入前的字段校验。
package validation

import (
	"fmt"
	"strings"

	"relmap/errors"
)

// IValidatable 可自校验的模型，仓储在写入工作单元前调用
type IValidatable interface {
	Validate() error
}

// Validate 对实现了 IValidatable 的值执行校验，其余值直接通过
func Validate(value any) error {
	if v, ok := value.(IValidatable); ok {
		return v.Validate()
	}
	return nil
}

// ValidateRequired 验证必填字段
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewValidationError(fmt.Sprintf("%s不能为空", fieldName))
	}
	return nil
}

// ValidateStringLength 验证字符串长度，max 为 0 时不限上限
func ValidateStringLength(value, fieldName string, min, max int) error {
	length := len([]rune(value))
	if length < min {
		return errors.NewValidationError(
			fmt.Sprintf("%s长度不能少于%d个字符（当前%d）", fieldName, min, length))
	}
	if max > 0 && length > max {
		return errors.NewValidationError(
			fmt.Sprintf("%s长度不能超过%d个字符（当前%d）", fieldName, max, length))
	}
	return nil
}

// ValidateNonNegative 验证数值不小于 0
func ValidateNonNegative(value float64, fieldName string) error {
	if value < 0 {
		return errors.NewValidationError(fmt.Sprintf("%s不能为负数（当前%v）", fieldName, value))
	}
	return nil
}

// ValidateID 验证ID有效性
func ValidateID(id int64, fieldName string) error {
	if id <= 0 {
		return errors.NewValidationError(fmt.Sprintf("%s必须为正整数", fieldName))
	}
	return nil
}

// ValidateEnum 验证枚举值
func ValidateEnum(value, fieldName string, validValues []string) error {
	for _, valid := range validValues {
		if value == valid {
			return nil
		}
	}
	return errors.NewValidationError(
		fmt.Sprintf("%s的值无效，必须是以下之一: %v", fieldName, validValues))
}
