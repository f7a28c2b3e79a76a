package webrpc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ServiceDef declares a remotable service: its well-known name, factory and
// introspection metadata. Start from NewServiceDef so the discoverable and
// introspectable flags default to on.
type ServiceDef struct {
	Name        string
	Description string

	// Discoverable includes the service in getDiscoverableServices
	// answers; Introspectable allows getServiceIntrospection. Each flag is
	// independent.
	Discoverable   bool
	Introspectable bool

	// Methods and Events enrich introspection answers with descriptions
	// and parameter names. Undeclared methods still introspect from the
	// instance's dispatch table.
	Methods []MethodInfo
	Events  []EventInfo

	// New builds the service singleton on first acquisition.
	New func(s *Session) *Object
}

// NewServiceDef returns a definition with the default flags set.
func NewServiceDef(name string, factory func(s *Session) *Object) ServiceDef {
	return ServiceDef{
		Name:           name,
		Discoverable:   true,
		Introspectable: true,
		New:            factory,
	}
}

// MethodInfo describes one method for introspection.
type MethodInfo struct {
	Name             string      `json:"name"`
	Description      string      `json:"description,omitempty"`
	SimpleReturnType string      `json:"simpleReturnType,omitempty"`
	Parameters       []ParamInfo `json:"parameters,omitempty"`
}

// ParamInfo describes one method parameter for introspection.
type ParamInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SimpleType  string `json:"simpleType,omitempty"`
}

// EventInfo describes one observable event for introspection.
type EventInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type service struct {
	def      ServiceDef
	mu       sync.Mutex
	instance *Object
}

// RegisterService installs a service definition. The name must be unique
// per session and the definition must carry a factory.
func (s *Session) RegisterService(def ServiceDef) error {
	if def.Name == "" {
		return fmt.Errorf("service definition has no name")
	}
	if def.New == nil {
		return fmt.Errorf("service %q has no factory", def.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[def.Name]; exists {
		return fmt.Errorf("service %q already registered", def.Name)
	}
	s.services[def.Name] = &service{def: def}
	return nil
}

// serviceInstance returns the singleton for name, creating it on first use
// and registering it under the service name as its object ID.
func (s *Session) serviceInstance(name string) *Object {
	s.mu.Lock()
	svc := s.services[name]
	s.mu.Unlock()
	if svc == nil {
		return nil
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.instance == nil {
		inst := svc.def.New(s)
		inst.setID(name)
		s.mu.Lock()
		s.locals[name] = &localEntry{obj: inst, pinned: true}
		s.mu.Unlock()
		svc.instance = inst
	}
	return svc.instance
}

// -------------------------------------------------------------------------
// The session object: the well-known receiver answering service-level RPCs.

func (s *Session) buildSessionObject() *Object {
	o := NewObject()
	o.setID(SessionObjectID)

	o.Handle("getLocalService", func(name string) *Object {
		return s.serviceInstance(name)
	})

	o.Handle("finalizeRef", func(key string) {
		s.handleFinalizeRef(key)
	})

	o.HandleFunc("subscribeToEvent", s.handleSubscribeToEvent)

	o.Handle("getDiscoverableServices", func() []DiscoveredService {
		return s.discoverableServices()
	})

	o.Handle("getServiceIntrospection", func(name string) (*IntrospectedService, error) {
		return s.introspectService(name)
	})

	return o
}

// handleSubscribeToEvent wires a remote observer into a local event source
// and hands back a remotable subscription with an unsubscribe method.
func (s *Session) handleSubscribeToEvent(ctx context.Context, params []any) (any, error) {
	if len(params) != 3 {
		return nil, NewError(KindType, fmt.Sprintf("subscribeToEvent takes 3 parameters, got %d", len(params)))
	}
	source, ok := params[0].(*Object)
	if !ok {
		return nil, NewError(KindType, "event source must be a local object reference")
	}
	name, ok := params[1].(string)
	if !ok {
		return nil, NewError(KindType, "event name must be a string")
	}
	observer, ok := params[2].(*Proxy)
	if !ok {
		return nil, NewError(KindType, "observer must be a remote object reference")
	}
	es := source.Event(name)
	if es == nil {
		return nil, Raise(NewError(KindReference, fmt.Sprintf("no event %q on receiver", name)))
	}
	// Deliveries drain through one worker per subscription so the observer
	// sees emissions in order.
	queue := make(chan any, 64)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case v := <-queue:
				if _, err := observer.Invoke(IgnoringLocks(context.Background()), "next", v); err != nil {
					s.log.Debug("event delivery failed", "event", name, "error", err)
				}
			case <-quit:
				return
			}
		}
	}()
	sub := es.Subscribe(func(v any) {
		select {
		case queue <- v:
		case <-quit:
		}
	})
	var stop sync.Once
	teardown := func() {
		sub.Unsubscribe()
		stop.Do(func() {
			close(quit)
			observer.Release()
		})
	}

	// Track the subscription on the session so closing it (the normal end
	// of a server-side session when its client disconnects) tears the
	// worker down even when no unsubscribe ever arrives.
	id := uuid.NewString()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		teardown()
		return nil, fmt.Errorf("session: %w", ErrClosed)
	}
	s.remoteSubs[id] = teardown
	s.mu.Unlock()

	handle := NewObject().Handle("unsubscribe", func() {
		s.mu.Lock()
		delete(s.remoteSubs, id)
		s.mu.Unlock()
		teardown()
	})
	return handle, nil
}

// DiscoveredService is one entry in a getDiscoverableServices answer.
type DiscoveredService struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Session) discoverableServices() []DiscoveredService {
	if !s.cfg.Discovery {
		return []DiscoveredService{}
	}
	out := []DiscoveredService{{
		Name:        SessionObjectID,
		Description: "webrpc session",
	}}
	s.mu.Lock()
	names := make([]string, 0, len(s.services))
	for name, svc := range s.services {
		if svc.def.Discoverable {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)
	for _, name := range names {
		s.mu.Lock()
		def := s.services[name].def
		s.mu.Unlock()
		out = append(out, DiscoveredService{Name: def.Name, Description: def.Description})
	}
	return out
}

// DiscoverServices asks the peer for its discoverable services.
func (s *Session) DiscoverServices(ctx context.Context) ([]DiscoveredService, error) {
	var out []DiscoveredService
	if err := s.remote.Call(ctx, "getDiscoverableServices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IntrospectService asks the peer to describe its named service.
func (s *Session) IntrospectService(ctx context.Context, name string) (*IntrospectedService, error) {
	var out IntrospectedService
	if err := s.remote.Call(ctx, "getServiceIntrospection", &out, name); err != nil {
		return nil, err
	}
	return &out, nil
}
