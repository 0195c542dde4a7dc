package orm

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ------------------------------------------------------------------------
// 结构体元信息：模型字段 <-> 列
// ------------------------------------------------------------------------

type fieldInfo struct {
	Name       string
	Column     string
	Index      []int
	PrimaryKey bool
	Nullable   bool
}

type structMeta struct {
	typ          reflect.Type
	fields       []fieldInfo
	columnToInfo map[string]fieldInfo
}

var (
	structMu  sync.RWMutex
	structMap = make(map[reflect.Type]*structMeta)
)

// structMetaForValue 构建或获取指定值类型的 structMeta。
func structMetaForValue(v any) *structMeta {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	structMu.RLock()
	if sm, ok := structMap[t]; ok {
		structMu.RUnlock()
		return sm
	}
	structMu.RUnlock()

	sm := buildStructMeta(t)
	structMu.Lock()
	structMap[t] = sm
	structMu.Unlock()
	return sm
}

func buildStructMeta(t reflect.Type) *structMeta {
	sm := &structMeta{
		typ:          t,
		columnToInfo: make(map[string]fieldInfo),
	}

	var walk func(reflect.Type, []int)
	walk = func(cur reflect.Type, prefix []int) {
		for i := 0; i < cur.NumField(); i++ {
			f := cur.Field(i)
			if f.PkgPath != "" {
				continue
			}

			index := append(append([]int(nil), prefix...), i)

			if f.Anonymous && f.Type.Kind() == reflect.Struct && !isTimeType(f.Type) {
				walk(f.Type, index)
				continue
			}

			// 关联槽位不是列，只收集标量字段
			if !isScalarDBField(f.Type) {
				continue
			}

			col, pk, skip := parseColumnTag(f)
			if skip {
				continue
			}
			if col == "" {
				col = toSnakeCase(f.Name)
			}

			info := fieldInfo{
				Name:       f.Name,
				Column:     col,
				Index:      index,
				PrimaryKey: pk,
				Nullable:   f.Type.Kind() == reflect.Ptr,
			}
			if _, dup := sm.columnToInfo[col]; !dup {
				sm.fields = append(sm.fields, info)
			}
			sm.columnToInfo[col] = info
		}
	}

	walk(t, nil)
	return sm
}

func isScalarDBField(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if isTimeType(t) {
		return true
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func isTimeType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.PkgPath() == "time" && t.Name() == "Time"
}

// parseColumnTag 解析列标签，优先级：relmap > db > json。
//
//	relmap:"column:food_name;pk"   自定义列名 / 主键
//	relmap:"-"                     不映射
func parseColumnTag(f reflect.StructField) (column string, primaryKey, skip bool) {
	if tag, ok := f.Tag.Lookup("relmap"); ok {
		if tag == "-" {
			return "", false, true
		}
		for _, part := range strings.Split(tag, ";") {
			part = strings.TrimSpace(part)
			switch {
			case part == "":
			case strings.HasPrefix(part, "column:"):
				column = strings.TrimPrefix(part, "column:")
			case strings.EqualFold(part, "pk"), strings.EqualFold(part, "primaryKey"):
				primaryKey = true
			}
		}
	}

	if column == "" {
		if dbTag := f.Tag.Get("db"); dbTag != "" {
			if dbTag == "-" {
				return "", false, true
			}
			column = dbTag
		} else if jsonTag := f.Tag.Get("json"); jsonTag != "" {
			column = strings.Split(jsonTag, ",")[0]
			if column == "-" {
				return "", false, true
			}
		}
	}

	return column, primaryKey, false
}

// toSnakeCase 转为蛇形命名，连续大写视为缩写：UserID -> user_id，HTTPCode -> http_code。
func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// tryGetTableName 尝试从模型实例上调用 TableName()。
func tryGetTableName(model any) (string, bool) {
	if model == nil {
		return "", false
	}
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		v = reflect.New(v.Type().Elem())
	}
	if m, ok := v.Interface().(interface{ TableName() string }); ok {
		return m.TableName(), true
	}

	t := v.Type()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return "", false
	}
	if m, ok := reflect.New(t).Interface().(interface{ TableName() string }); ok {
		return m.TableName(), true
	}
	return "", false
}

// FieldsOf 从模型结构体推导标量字段列表（不含主键列）。
// 非结构体返回 nil。
func FieldsOf(model any) []FieldMeta {
	sm := structMetaForValue(model)
	if sm == nil {
		return nil
	}
	out := make([]FieldMeta, 0, len(sm.fields))
	for _, f := range sm.fields {
		if f.PrimaryKey || f.Column == "id" {
			continue
		}
		out = append(out, FieldMeta{Name: f.Name, Column: f.Column, Nullable: f.Nullable})
	}
	return out
}

// StructValues 按列名导出结构体的标量字段值，nil 指针字段导出为 nil。
// 主键列与未映射字段被忽略。
func StructValues(src any) (map[string]any, error) {
	sm := structMetaForValue(src)
	if sm == nil {
		return nil, fmt.Errorf("relmap: %T is not a struct", src)
	}
	v := reflect.Indirect(reflect.ValueOf(src))
	out := make(map[string]any, len(sm.fields))
	for _, f := range sm.fields {
		if f.PrimaryKey || f.Column == "id" {
			continue
		}
		fv, ok := fieldByIndexSafe(v, f.Index)
		if !ok {
			continue
		}
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				out[f.Column] = nil
				continue
			}
			fv = fv.Elem()
		}
		out[f.Column] = fv.Interface()
	}
	return out, nil
}

// ScanStruct 将列值写入 dest（必须是结构体指针），id 写入主键字段（若存在）。
func ScanStruct(id int64, values map[string]any, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("relmap: dest must be a non-nil struct pointer, got %T", dest)
	}
	sm := structMetaForValue(dest)
	if sm == nil {
		return fmt.Errorf("relmap: %T is not a struct pointer", dest)
	}
	v := rv.Elem()
	for _, f := range sm.fields {
		var raw any
		if f.PrimaryKey || f.Column == "id" {
			raw = id
		} else {
			val, ok := values[f.Column]
			if !ok {
				continue
			}
			raw = val
		}
		fv := v.FieldByIndex(f.Index)
		if err := assignValue(fv, raw); err != nil {
			return fmt.Errorf("relmap: column %s: %w", f.Column, err)
		}
	}
	return nil
}

func assignValue(fv reflect.Value, raw any) error {
	if raw == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	target := fv.Type()
	if target.Kind() == reflect.Ptr {
		elem := reflect.New(target.Elem())
		if err := assignValue(elem.Elem(), raw); err != nil {
			return err
		}
		fv.Set(elem)
		return nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	// 部分驱动以文本返回时间列
	if str, ok := raw.(string); ok && isTimeType(target) {
		t, err := parseTimeText(str)
		if err != nil {
			return err
		}
		raw = t
	}
	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(target) {
		fv.Set(rv)
		return nil
	}
	// 字符串与数值之间不做隐式转换
	if (rv.Kind() == reflect.String) != (target.Kind() == reflect.String) {
		return fmt.Errorf("cannot assign %T to %s", raw, target)
	}
	if rv.Type().ConvertibleTo(target) {
		fv.Set(rv.Convert(target))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", raw, target)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimeText(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
}

func fieldByIndexSafe(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, idx := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(idx)
	}
	return v, true
}
