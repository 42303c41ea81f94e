package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// Identifier is implemented by inputs that carry their own task identity.
type Identifier interface {
	TaskID() string
}

// identity resolves the task ID of an input: the IDFunc when configured,
// otherwise an Identifier, the IDField of a map or struct, and finally a
// fresh UUID.
func (q *Queue) identity(input any) (string, error) {
	if q.cfg.IDFunc != nil {
		id, err := q.cfg.IDFunc(input)
		if err != nil {
			return "", fmt.Errorf("task identity: %w", err)
		}
		if id != "" {
			return id, nil
		}
		return uuid.NewString(), nil
	}
	if id := fieldIdentity(input, q.cfg.IDField); id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}

func fieldIdentity(input any, field string) string {
	switch v := input.(type) {
	case nil:
		return ""
	case Identifier:
		return v.TaskID()
	case map[string]any:
		return stringify(v[field])
	case map[string]string:
		return v[field]
	}

	rv := reflect.ValueOf(input)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		kt := rv.Type().Key()
		if kt.Kind() != reflect.String {
			return ""
		}
		val := rv.MapIndex(reflect.ValueOf(field).Convert(kt))
		if !val.IsValid() {
			return ""
		}
		return stringify(val.Interface())
	case reflect.Struct:
		rt := rv.Type()
		for i := range rt.NumField() {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if strings.EqualFold(f.Name, field) || (tag != "" && tag == field) {
				return stringify(rv.Field(i).Interface())
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
