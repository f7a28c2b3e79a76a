package webrpc

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender-side reference bookkeeping. Every descriptor emitted with side "L"
// allocates a fresh (object_id, reference_id) pair held strongly in the
// outstanding-reference registry until the peer calls finalizeRef. The
// local-object registry itself holds no strength of its own: entries drop
// as soon as no outstanding reference or in-flight request holds them
// (service singletons and the session object stay pinned), so the
// application's reference policy drives collectability.

type localEntry struct {
	obj    *Object
	refs   int  // outstanding references and in-flight holds on this object
	pinned bool // registered service singleton or the session object
}

// exportObjectLocked stamps o's identity on first use, allocates a fresh
// reference and registers the strong hold. Caller holds s.mu.
func (s *Session) exportObjectLocked(o *Object) *Ref {
	oid := o.ID()
	e := s.locals[oid]
	if e == nil {
		e = &localEntry{obj: o}
		s.locals[oid] = e
	}
	rid := uuid.NewString()
	r := &Ref{ObjectID: oid, Side: SideLocal, RefID: rid}
	s.outstanding[r.Key()] = o
	e.refs++
	if s.exportCapture != nil {
		*s.exportCapture = append(*s.exportCapture, oid)
	}
	return r
}

// releaseHeldLocked drops the in-flight holds a completed request had on
// its argument objects. Caller holds s.mu.
func (s *Session) releaseHeldLocked(oids []string) {
	for _, oid := range oids {
		if e := s.locals[oid]; e != nil {
			e.refs--
			if e.refs <= 0 && !e.pinned {
				delete(s.locals, oid)
			}
		}
	}
}

func (s *Session) lookupLocal(oid string) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.locals[oid]; e != nil {
		return e.obj
	}
	return nil
}

// handleFinalizeRef releases one outstanding reference. The peer calls this
// when a proxy dies, or immediately when a duplicate descriptor collapses
// onto an existing proxy.
func (s *Session) handleFinalizeRef(key string) {
	s.mu.Lock()
	if _, ok := s.outstanding[key]; ok {
		delete(s.outstanding, key)
		if i := strings.LastIndex(key, "."); i > 0 {
			oid := key[:i]
			if e := s.locals[oid]; e != nil {
				e.refs--
				if e.refs <= 0 && !e.pinned {
					delete(s.locals, oid)
				}
			}
		}
	}
	s.mu.Unlock()
	s.maybeNotifyIdle()
}

// OutstandingRefs reports the number of strong references currently held
// for the object, i.e. emitted descriptors the peer has not finalized.
func (s *Session) OutstandingRefs(oid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.outstanding {
		if strings.HasPrefix(key, oid+".") {
			n++
		}
	}
	return n
}

// -------------------------------------------------------------------------
// Receiver-side proxy registry

// resolveProxy collapses a received side-"L" descriptor onto the registry:
// at most one proxy per remote object. A duplicate descriptor is finalized
// back to the sender immediately, since the fresh reference it allocated
// would otherwise leak a strong hold forever. A descriptor arriving while
// the existing proxy's finalize notice is pending revives the proxy and
// cancels the notice.
func (s *Session) resolveProxy(r *Ref) *Proxy {
	var dup string
	s.mu.Lock()
	p := s.proxies[r.ObjectID]
	if p != nil {
		if p.released {
			p.released = false
			p.refs = 1
			if p.finalize != nil {
				p.finalize.Stop()
				p.finalize = nil
			}
		}
		if r.RefID != "" {
			dup = r.Key()
		}
	} else {
		p = &Proxy{s: s, objectID: r.ObjectID, refID: r.RefID, refs: 1}
		s.proxies[r.ObjectID] = p
	}
	s.mu.Unlock()
	if dup != "" {
		s.sendFinalize(dup)
	}
	return p
}

func (s *Session) retainProxy(p *Proxy) {
	s.mu.Lock()
	p.refs++
	if p.released {
		p.released = false
		if p.finalize != nil {
			p.finalize.Stop()
			p.finalize = nil
		}
	}
	s.mu.Unlock()
}

func (s *Session) releaseProxy(p *Proxy) {
	s.mu.Lock()
	if p.refs > 0 {
		p.refs--
	}
	// Well-known references carry no reference ID and are outside the
	// finalization machinery.
	if p.refs == 0 && !p.released && p.refID != "" {
		p.released = true
		p.finalize = time.AfterFunc(s.cfg.FinalizationDelay, func() {
			s.finalizeProxy(p)
		})
	}
	s.mu.Unlock()
}

// finalizeProxy runs after the debounce delay. If nothing revived the proxy
// in the meantime it is dropped from the registry and the sender is told to
// release its hold.
func (s *Session) finalizeProxy(p *Proxy) {
	s.mu.Lock()
	if !p.released || s.proxies[p.objectID] != p {
		s.mu.Unlock()
		return
	}
	delete(s.proxies, p.objectID)
	key := p.objectID + "." + p.refID
	s.mu.Unlock()
	s.sendFinalize(key)
}

// sendFinalize notifies the peer that one emitted reference is no longer
// needed. Fire-and-forget: a finalize notice racing a channel teardown is
// not an application error.
func (s *Session) sendFinalize(key string) {
	go func() {
		_, err := s.call(IgnoringLocks(context.Background()),
			s.remote.receiverRef(), "finalizeRef", []any{key}, nil)
		if err != nil {
			s.log.Debug("finalizeRef not delivered", "ref", key, "error", err)
		}
	}()
}

// ProxyCount reports the number of live proxies, for tests and diagnostics.
func (s *Session) ProxyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proxies)
}
