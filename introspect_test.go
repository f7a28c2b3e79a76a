package webrpc

import (
	"math/big"
	"reflect"
	"testing"
)

func TestDiscovery(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	ctx := testContext(t)

	hidden := NewServiceDef("internal", func(*Session) *Object { return NewObject() })
	hidden.Discoverable = false
	assertNoError(t, a.RegisterService(hidden))

	list, err := b.DiscoverServices(ctx)
	assertNoError(t, err)
	assertEq(t, 1, len(list))
	assertEq(t, SessionObjectID, list[0].Name)

	visible := NewServiceDef("catalog", func(*Session) *Object { return NewObject() })
	visible.Description = "a catalog"
	assertNoError(t, a.RegisterService(visible))

	list, err = b.DiscoverServices(ctx)
	assertNoError(t, err)
	assertEq(t, 2, len(list))
	assertEq(t, SessionObjectID, list[0].Name)
	assertEq(t, "catalog", list[1].Name)
	assertEq(t, "a catalog", list[1].Description)
}

func TestDiscoveryDisabledGlobally(t *testing.T) {
	acfg := DefaultSessionConfig()
	acfg.Discovery = false
	a, b, _, _ := newSessionPair(t, &acfg, nil)
	assertNoError(t, a.RegisterService(NewServiceDef("svc", func(*Session) *Object { return NewObject() })))
	list, err := b.DiscoverServices(testContext(t))
	assertNoError(t, err)
	assertEq(t, 0, len(list))
}

func TestIntrospection(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("calc", func(*Session) *Object {
		o := NewObject().Handle("add", func(x, y float64) float64 { return x + y })
		o.DefineEvent("overflow")
		return o
	})
	def.Description = "arithmetic"
	def.Methods = []MethodInfo{{
		Name:        "add",
		Description: "adds two numbers",
		Parameters: []ParamInfo{
			{Name: "x", Description: "left operand"},
			{Name: "y", Description: "right operand"},
		},
	}}
	def.Events = []EventInfo{{Name: "overflow", Description: "result out of range"}}
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	info, err := b.IntrospectService(ctx, "calc")
	assertNoError(t, err)
	assertEq(t, "calc", info.Name)
	assertEq(t, "arithmetic", info.Description)
	assertEq(t, 1, len(info.Methods))
	m := info.Methods[0]
	assertEq(t, "add", m.Name)
	assertEq(t, "adds two numbers", m.Description)
	assertEq(t, SimpleNumber, m.SimpleReturnType)
	assertEq(t, 2, len(m.Parameters))
	assertEq(t, "x", m.Parameters[0].Name)
	assertEq(t, SimpleNumber, m.Parameters[0].SimpleType)
	assertEq(t, 1, len(info.Events))
	assertEq(t, "overflow", info.Events[0].Name)
	assertEq(t, "result out of range", info.Events[0].Description)
}

func TestIntrospectionInferredFromSignatures(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("shapes", func(*Session) *Object {
		return NewObject().
			Handle("name", func(id float64) string { return "" }).
			Handle("tags", func() []string { return nil }).
			Handle("reset", func() {})
	})
	assertNoError(t, a.RegisterService(def))

	info, err := b.IntrospectService(testContext(t), "shapes")
	assertNoError(t, err)
	byName := map[string]MethodInfo{}
	for _, m := range info.Methods {
		byName[m.Name] = m
	}
	assertEq(t, SimpleString, byName["name"].SimpleReturnType)
	assertEq(t, SimpleNumber, byName["name"].Parameters[0].SimpleType)
	assertEq(t, "arg0", byName["name"].Parameters[0].Name)
	assertEq(t, SimpleArray, byName["tags"].SimpleReturnType)
	assertEq(t, SimpleVoid, byName["reset"].SimpleReturnType)
}

func TestIntrospectionOptOut(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("private", func(*Session) *Object { return NewObject() })
	def.Introspectable = false
	assertNoError(t, a.RegisterService(def))
	_, err := b.IntrospectService(testContext(t), "private")
	assertError(t, "not introspectable", err)
}

func TestIntrospectionDisabledGlobally(t *testing.T) {
	acfg := DefaultSessionConfig()
	acfg.Introspection = false
	a, b, _, _ := newSessionPair(t, &acfg, nil)
	assertNoError(t, a.RegisterService(NewServiceDef("svc", func(*Session) *Object { return NewObject() })))
	_, err := b.IntrospectService(testContext(t), "svc")
	assertError(t, "disabled", err)
}

func TestIntrospectionUnknownService(t *testing.T) {
	_, b, _, _ := newSessionPair(t, nil, nil)
	_, err := b.IntrospectService(testContext(t), "ghost")
	assertError(t, "no service", err)
}

func TestSimpleTypeMapping(t *testing.T) {
	assertEq(t, SimpleString, simpleType(reflect.TypeOf("")))
	assertEq(t, SimpleNumber, simpleType(reflect.TypeOf(0)))
	assertEq(t, SimpleNumber, simpleType(reflect.TypeOf(0.0)))
	assertEq(t, SimpleBigint, simpleType(reflect.TypeOf(int64(0))))
	assertEq(t, SimpleBigint, simpleType(reflect.TypeOf(big.NewInt(0))))
	assertEq(t, SimpleBoolean, simpleType(reflect.TypeOf(true)))
	assertEq(t, SimpleArray, simpleType(reflect.TypeOf([]int{})))
	assertEq(t, SimpleObject, simpleType(reflect.TypeOf(map[string]int{})))
	assertEq(t, SimpleObject, simpleType(reflect.TypeOf(struct{}{})))
	assertEq(t, SimpleUnknown, simpleType(kAnyType))
}
