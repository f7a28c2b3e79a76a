package webrpc

import (
	"fmt"
	"math/big"
	"reflect"
)

// IntrospectedService is a getServiceIntrospection answer.
type IntrospectedService struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Methods     []MethodInfo `json:"methods"`
	Events      []EventInfo  `json:"events"`
}

// Simple type vocabulary used in introspection answers.
const (
	SimpleString    = "string"
	SimpleNumber    = "number"
	SimpleBigint    = "bigint"
	SimpleBoolean   = "boolean"
	SimpleObject    = "object"
	SimpleArray     = "array"
	SimpleVoid      = "void"
	SimpleUndefined = "undefined"
	SimpleNull      = "null"
	SimpleUnknown   = "unknown"
)

func (s *Session) introspectService(name string) (*IntrospectedService, error) {
	if !s.cfg.Introspection {
		return nil, Raise(NewError(KindReference, "introspection is disabled"))
	}
	s.mu.Lock()
	svc := s.services[name]
	s.mu.Unlock()
	if svc == nil {
		return nil, Raise(NewError(KindReference, fmt.Sprintf("no service %q", name)))
	}
	if !svc.def.Introspectable {
		return nil, Raise(NewError(KindReference, fmt.Sprintf("service %q is not introspectable", name)))
	}
	inst := s.serviceInstance(name)

	declared := make(map[string]MethodInfo, len(svc.def.Methods))
	for _, m := range svc.def.Methods {
		declared[m.Name] = m
	}
	out := &IntrospectedService{
		Name:        svc.def.Name,
		Description: svc.def.Description,
		Methods:     []MethodInfo{},
		Events:      []EventInfo{},
	}
	for _, mname := range inst.methodNames() {
		if m, ok := declared[mname]; ok {
			fillMethodTypes(&m, inst.methodSig(mname))
			out.Methods = append(out.Methods, m)
			continue
		}
		m := MethodInfo{Name: mname}
		fillMethodTypes(&m, inst.methodSig(mname))
		out.Methods = append(out.Methods, m)
	}
	declaredEvents := make(map[string]EventInfo, len(svc.def.Events))
	for _, e := range svc.def.Events {
		declaredEvents[e.Name] = e
	}
	for _, ename := range inst.eventNames() {
		if e, ok := declaredEvents[ename]; ok {
			out.Events = append(out.Events, e)
			continue
		}
		out.Events = append(out.Events, EventInfo{Name: ename})
	}
	return out, nil
}

// fillMethodTypes completes a method description from the adapted
// signature: declared metadata wins, reflection fills the gaps.
func fillMethodTypes(m *MethodInfo, sig *methodSig) {
	if sig == nil {
		if m.SimpleReturnType == "" {
			m.SimpleReturnType = SimpleUnknown
		}
		return
	}
	if m.SimpleReturnType == "" {
		m.SimpleReturnType = simpleReturnType(sig)
	}
	for i, pt := range sig.params {
		if i < len(m.Parameters) {
			if m.Parameters[i].SimpleType == "" {
				m.Parameters[i].SimpleType = simpleType(pt)
			}
			continue
		}
		m.Parameters = append(m.Parameters, ParamInfo{
			Name:       fmt.Sprintf("arg%d", i),
			SimpleType: simpleType(pt),
		})
	}
}

func simpleReturnType(sig *methodSig) string {
	for _, rt := range sig.results {
		if rt != kErrorType {
			return simpleType(rt)
		}
	}
	return SimpleVoid
}

var kBigIntType = reflect.TypeOf((*big.Int)(nil))

// simpleType maps a Go type onto the wire's simple type vocabulary.
func simpleType(t reflect.Type) string {
	if t == nil {
		return SimpleUnknown
	}
	if t == kBigIntType || t == kBigIntType.Elem() {
		return SimpleBigint
	}
	switch t.Kind() {
	case reflect.String:
		return SimpleString
	case reflect.Bool:
		return SimpleBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Float32, reflect.Float64:
		return SimpleNumber
	case reflect.Int64, reflect.Uint64:
		return SimpleBigint
	case reflect.Slice, reflect.Array:
		return SimpleArray
	case reflect.Map, reflect.Struct:
		return SimpleObject
	case reflect.Ptr:
		return simpleType(t.Elem())
	case reflect.Interface:
		return SimpleUnknown
	default:
		return SimpleUnknown
	}
}
