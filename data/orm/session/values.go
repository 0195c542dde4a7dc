package session

import (
	"reflect"
	"time"

	"relmap/data/orm"
)

// valuesEqual 比较属性当前值与存储返回的值。
// 驱动返回的整数、浮点、时间和字节串类型与调用方设置的类型可能不同。
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := orm.ToInt64(a); ok {
		if y, ok := orm.ToInt64(b); ok {
			return x == y
		}
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	if x, ok := a.(time.Time); ok {
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	if x, ok := a.([]byte); ok {
		a = string(x)
	}
	if y, ok := b.([]byte); ok {
		b = string(y)
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := orm.ToInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
