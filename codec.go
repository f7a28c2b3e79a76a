package webrpc

import (
	"fmt"
)

// The reference codec walks message trees on their way through the session.
// Outbound, remotable values are substituted with freshly allocated
// reference descriptors (registering the sender-side strong holds);
// inbound, descriptors materialize as proxies or resolve back to local
// objects. The two sides must always be used together, as the
// stringify/parse replacer and reviver of the wire format.

// encodeLocked rewrites v into a JSON-ready tree. Caller holds s.mu so that
// every descriptor is registered before the frame leaves the session.
func (s *Session) encodeLocked(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *Proxy:
		if t == nil {
			return nil, nil
		}
		// Passing a proxy back toward its owner: no reference allocation,
		// the receiver resolves it to its own local object.
		return t.receiverRef(), nil
	case *Object:
		if t == nil {
			return nil, nil
		}
		return s.exportObjectLocked(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			enc, err := s.encodeLocked(e)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			enc, err := s.encodeLocked(e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *Session) encodeParamsLocked(params []any) ([]any, error) {
	v, err := s.encodeLocked(append([]any(nil), params...))
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

// decode rewrites a parsed JSON tree, materializing reference descriptors.
// A failure here is fatal to the session: it usually means a dynamic object
// reference survived a state-loss event.
func (s *Session) decode(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if isRefShape(t) {
			return s.decodeRef(refFromMap(t))
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			dec, err := s.decode(e)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			dec, err := s.decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *Session) decodeRef(r *Ref) (any, error) {
	if r.ObjectID == "" {
		return nil, nil
	}
	switch r.Side {
	case SideLocal:
		// Local to the sender, remote to us: materialize or collapse onto
		// the existing proxy.
		return s.resolveProxy(r), nil
	case SideRemote:
		// Remote to the sender, local to us.
		obj := s.lookupLocal(r.ObjectID)
		if obj == nil {
			return nil, fmt.Errorf("unresolvable local reference %q", r.ObjectID)
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("reference %q has invalid side marker %q", r.ObjectID, r.Side)
	}
}
