package server

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"

	"labrpc/middleware"
	"labrpc/protocol"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// MethodMap is the stock Resolver: a name → callable table. Methods are
// registered either as plain functions or by scanning a receiver's exported
// methods via reflection under "Type.Method" names.
type MethodMap struct {
	mu       sync.RWMutex
	funcs    map[string]Method
	services map[string]*service
}

type service struct {
	name    string
	rcvr    reflect.Value
	methods map[string]reflect.Method
}

// NewMethodMap creates an empty method table.
func NewMethodMap() *MethodMap {
	return &MethodMap{
		funcs:    make(map[string]Method),
		services: make(map[string]*service),
	}
}

// RegisterFunc exposes fn under name.
func (m *MethodMap) RegisterFunc(name string, fn Method) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[name] = fn
}

// Register scans rcvr's exported methods and exposes each as
// "TypeName.MethodName". Accepted shapes: optional leading context.Context,
// then positional parameters matched against the call's args, returning
// nothing, a value, an error, or (value, error).
func (m *MethodMap) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: receiver must be a pointer to struct, got %s", typ)
	}
	svc := &service{
		name:    typ.Elem().Name(),
		rcvr:    reflect.ValueOf(rcvr),
		methods: make(map[string]reflect.Method),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !methodUsable(method.Type) {
			continue
		}
		svc.methods[method.Name] = method
	}
	if len(svc.methods) == 0 {
		return fmt.Errorf("rpc: %s has no usable exported methods", svc.name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.name] = svc
	return nil
}

// Resolve implements Resolver. source and id are available to richer
// resolvers for permission checks; the plain table ignores them.
func (m *MethodMap) Resolve(name string, source net.Addr, id protocol.MsgID) (Method, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if fn, ok := m.funcs[name]; ok {
		return fn, nil
	}

	svcName, methodName, ok := strings.Cut(name, ".")
	if !ok {
		return nil, fmt.Errorf("rpc: unknown method %q", name)
	}
	svc, ok := m.services[svcName]
	if !ok {
		return nil, fmt.Errorf("rpc: unknown service %q", svcName)
	}
	method, ok := svc.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("rpc: service %s has no method %q", svcName, methodName)
	}
	return func(ctx context.Context, req *middleware.Request) (any, error) {
		return svc.call(ctx, method, req.Args)
	}, nil
}

func methodUsable(t reflect.Type) bool {
	switch t.NumOut() {
	case 0, 1:
	case 2:
		if t.Out(1) != errorType {
			return false
		}
	default:
		return false
	}
	return !t.IsVariadic()
}

// call invokes the reflected method, converting the decoded positional args
// to the parameter types. Wire integers arrive as int64/uint64, so plain
// numeric conversions are applied where the kinds allow it.
func (s *service) call(ctx context.Context, method reflect.Method, args []any) (any, error) {
	t := method.Type
	in := []reflect.Value{s.rcvr}
	param := 1
	if t.NumIn() > 1 && t.In(1) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		param = 2
	}

	want := t.NumIn() - param
	if len(args) != want {
		return nil, fmt.Errorf("rpc: %s.%s takes %d args, got %d", s.name, method.Name, want, len(args))
	}
	for i, arg := range args {
		v, err := convertArg(arg, t.In(param+i))
		if err != nil {
			return nil, fmt.Errorf("rpc: %s.%s arg %d: %w", s.name, method.Name, i, err)
		}
		in = append(in, v)
	}

	out := method.Func.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if t.Out(0) == errorType {
			if !out[0].IsNil() {
				return nil, out[0].Interface().(error)
			}
			return nil, nil
		}
		return out[0].Interface(), nil
	default:
		if !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface(), nil
	}
}

func convertArg(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if numericKind(v.Kind()) && numericKind(t.Kind()) && v.Type().ConvertibleTo(t) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, t)
}

func numericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
