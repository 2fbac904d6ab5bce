package engine

import (
	"reflect"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/eval"
)

// bind returns a copy of a typed parameter record with every templated field
// resolved against scope. Fields tagged tmpl:"raw" are copied verbatim; the
// record stored on the step is never modified.
func bind(typed any, scope eval.Scope) any {
	src := reflect.ValueOf(typed)
	if src.Kind() != reflect.Pointer || src.IsNil() || src.Elem().Kind() != reflect.Struct {
		return typed
	}
	dst := reflect.New(src.Elem().Type())
	dst.Elem().Set(src.Elem())
	resolveStruct(dst.Elem(), scope)
	return dst.Interface()
}

func resolveStruct(v reflect.Value, scope eval.Scope) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("tmpl") == "raw" {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Struct:
			resolveStruct(fv, scope)
		case reflect.String:
			fv.SetString(eval.Resolve(fv.String(), scope))
		case reflect.Slice:
			if fv.Type().Elem().Kind() != reflect.String || fv.IsNil() {
				continue
			}
			out := reflect.MakeSlice(fv.Type(), fv.Len(), fv.Len())
			for j := 0; j < fv.Len(); j++ {
				out.Index(j).SetString(eval.Resolve(fv.Index(j).String(), scope))
			}
			fv.Set(out)
		case reflect.Interface:
			if fv.IsNil() {
				continue
			}
			if r := eval.ResolveValue(fv.Interface(), scope); r != nil {
				fv.Set(reflect.ValueOf(r))
			}
		}
	}
}
