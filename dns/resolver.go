package dns

import (
	"log/slog"
	"strings"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/internal"
)

// Answer is the outcome of a completed query.
type Answer struct {
	// Name is the queried name for A lookups and the resolved target for PTR lookups.
	Name string
	Addr [4]byte
	TTL  uint32
}

type ResolverConfig struct {
	Cache *Cache
	// Timeout in ticks after which an unanswered query fails. Defaults to 5000.
	Timeout uint64
	Logger  *slog.Logger
}

type queryState uint8

const (
	stateIdle  queryState = iota
	stateSend             // query built, waiting for Encapsulate.
	stateAwait            // query sent.
	stateDone
)

// Resolver runs one outstanding query at a time. Callers start a lookup with
// [Resolver.Resolve] or [Resolver.ResolveAddr], hand the query bytes to UDP
// through [Resolver.Encapsulate], feed responses to [Resolver.Demux] and poll
// [Resolver.IsPending] and [Resolver.Result].
type Resolver struct {
	log     internal.Logger
	cache   *Cache
	timeout uint64

	state   queryState
	txid    uint16
	qtype   Type
	name    string
	addr    [4]byte // PTR subject.
	started uint64
	query   [MaxSizeUDP]byte
	qlen    int

	answer Answer
	err    error
	// scratch for name decoding.
	namebuf []byte
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Cache == nil {
		cfg.Cache = NewCache(32, DefaultMinTTL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5000
	}
	return &Resolver{
		log:     internal.Logger{Log: cfg.Logger},
		cache:   cfg.Cache,
		timeout: cfg.Timeout,
	}
}

func (r *Resolver) Cache() *Cache { return r.cache }

// TxID returns the transaction id of the current or last query.
func (r *Resolver) TxID() uint16 { return r.txid }

// Resolve looks up the IPv4 address of name. A cache hit returns hit=true and
// no query is started. Otherwise a query with transaction id txid is queued
// and the result becomes available through [Resolver.Result].
func (r *Resolver) Resolve(name string, txid uint16, now uint64) (addr [4]byte, hit bool, err error) {
	if addr, ok := r.cache.Lookup(name, now); ok {
		return addr, true, nil
	}
	return [4]byte{}, false, r.start(name, TypeA, txid, now)
}

// ResolveAddr looks up the name of addr through a PTR query.
func (r *Resolver) ResolveAddr(addr [4]byte, txid uint16, now uint64) (name string, hit bool, err error) {
	if name, ok := r.cache.ReverseLookup(addr, now); ok {
		return name, true, nil
	}
	r.addr = addr
	err = r.start(ReverseName(addr), TypePTR, txid, now)
	return "", false, err
}

func (r *Resolver) start(name string, qtype Type, txid uint16, now uint64) error {
	if r.IsPending() {
		return errQueryInFlight
	}
	b, err := AppendQuery(r.query[:0], txid, name, qtype)
	if err != nil {
		return err
	}
	r.qlen = len(b)
	r.state = stateSend
	r.txid = txid
	r.qtype = qtype
	r.name = canonical(name)
	r.started = now
	r.answer = Answer{}
	r.err = nil
	r.log.Debug("dns:query", slog.String("name", r.name), slog.String("type", qtype.String()), slog.Uint64("txid", uint64(txid)))
	return nil
}

// IsPending reports whether a query is queued or awaiting its response.
func (r *Resolver) IsPending() bool { return r.state == stateSend || r.state == stateAwait }

// Result returns the answer of the last query. done is false while the query is pending
// or when no query was ever started. A name error from the server is reported
// as [RCodeNameError], see [IsNXDomain].
func (r *Resolver) Result() (ans Answer, done bool, err error) {
	if r.state != stateDone {
		return Answer{}, false, nil
	}
	return r.answer, true, r.err
}

// Encapsulate copies the queued query into dst. It returns 0 if nothing is queued.
func (r *Resolver) Encapsulate(dst []byte) (int, error) {
	if r.state != stateSend {
		return 0, nil
	} else if len(dst) < r.qlen {
		return 0, knet.ErrShortBuffer
	}
	r.state = stateAwait
	return copy(dst, r.query[:r.qlen]), nil
}

// Tick fails a query that outlived the timeout.
func (r *Resolver) Tick(now uint64) {
	if r.IsPending() && now-r.started >= r.timeout {
		r.log.Warn("dns:query:timeout", slog.String("name", r.name))
		r.finish(knet.ErrTimeout)
	}
}

// Abort drops the current query.
func (r *Resolver) Abort() { r.state = stateIdle }

func (r *Resolver) finish(err error) {
	r.err = err
	r.state = stateDone
}

// Demux processes a response received from the server. Responses for another
// transaction are rejected without disturbing the pending query.
func (r *Resolver) Demux(msg []byte, now uint64) error {
	if r.state != stateAwait {
		return errNoQuery
	}
	var (
		want        = r.name // follows CNAME chain.
		found       bool
		fallback    Answer
		hasFallback bool
	)
	err := ForEachAnswer(msg, r.txid, func(rr *Record) error {
		if rr.Class != ClassINET {
			return nil
		}
		var err error
		r.namebuf, err = rr.AppendOwner(r.namebuf[:0])
		if err != nil {
			return err
		}
		owner := strings.ToLower(string(r.namebuf))
		switch rr.Type {
		case TypeCNAME:
			if owner == want {
				r.namebuf, err = rr.AppendTarget(r.namebuf[:0])
				if err != nil {
					return err
				}
				want = strings.ToLower(string(r.namebuf))
				r.log.Trace("dns:demux:cname", slog.String("target", want))
			}
		case TypeA:
			if r.qtype != TypeA || len(rr.Data) != 4 || found {
				return nil
			}
			ans := Answer{Name: r.name, Addr: [4]byte(rr.Data), TTL: rr.TTL}
			if owner == want {
				r.answer = ans
				found = true
			} else if !hasFallback {
				fallback = ans
				hasFallback = true
			}
		case TypePTR:
			if r.qtype != TypePTR || found {
				return nil
			}
			r.namebuf, err = rr.AppendTarget(r.namebuf[:0])
			if err != nil {
				return err
			}
			r.answer = Answer{Name: string(r.namebuf), Addr: r.addr, TTL: rr.TTL}
			found = true
		}
		return nil
	})
	if err == errTxIDMismatch || err == errNotResponse {
		return err
	}
	if err == nil && !found {
		if hasFallback {
			r.answer = fallback
			found = true
		} else {
			err = errNoAnswer
		}
	}
	if err != nil {
		r.log.Debug("dns:demux:fail", slog.String("name", r.name), slog.String("err", err.Error()))
		r.finish(err)
		return nil
	}
	r.cache.Insert(r.answer.Name, r.answer.Addr, r.answer.TTL, now)
	if r.qtype == TypeA && want != r.name {
		// Canonical name of the CNAME chain resolves to the same address.
		r.cache.Insert(want, r.answer.Addr, r.answer.TTL, now)
	}
	r.log.Debug("dns:demux:resolved", slog.String("name", r.answer.Name), internal.SlogAddr4("addr", &r.answer.Addr))
	r.finish(nil)
	return nil
}
