package exec

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/verisimdb/verisimdb/pkg/model"
)

// fieldByPath resolves a "modality.field" path against a row, preferring
// an already-fetched payload and falling back to a direct store read
// (e.g. for a field an upstream scan didn't need but a later aggregate or
// sort stage does).
func (e *Executor) fieldByPath(row Row, path string) (any, error) {
	modality, field, ok := strings.Cut(path, ".")
	if !ok {
		return nil, fmt.Errorf("exec: field path %q is not modality.field", path)
	}
	m := model.Modality(modality)

	payload, cached := row.Payloads[m]
	if !cached {
		p, err := e.fetchModality(row.EID, m)
		if err != nil {
			return nil, err
		}
		payload = p
	}
	if field == "" {
		return payload, nil
	}

	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("exec: %s payload is not a struct", m)
	}
	f := v.FieldByName(field)
	if !f.IsValid() {
		return nil, fmt.Errorf("exec: %s has no field %q", m, field)
	}
	return f.Interface(), nil
}
