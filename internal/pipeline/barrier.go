package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrBarrierNotArmed = errors.New("barrier not armed")
	// ErrBarrierSealed is returned once the join has been consumed by
	// finalization; late or duplicate arrivals have nothing left to do.
	ErrBarrierSealed = errors.New("barrier sealed")
)

// Outcome is the state of a barrier's members.
type Outcome struct {
	Succeeded []string
	Failed    []string
	Pending   []string
}

func (o Outcome) Complete() bool { return len(o.Pending) == 0 }

// Barrier joins sibling tasks. Arrive reports fired=true to exactly one
// caller: the arrival that completes the member set. A success arrival
// replaces an earlier failure for the same member; a failure never replaces
// a success. Release hands the fired state back so the next arrival on a
// complete set fires again; callers use it when the work the firing
// arrival owed could not be scheduled. Seal drops the member state and
// leaves a tombstone: Arm becomes a no-op and Arrive and Outcome report
// ErrBarrierSealed until the tombstone expires.
type Barrier interface {
	Arm(ctx context.Context, key string, members []string) error
	Arrive(ctx context.Context, key, member string, ok bool) (fired bool, err error)
	Release(ctx context.Context, key string) error
	Outcome(ctx context.Context, key string) (Outcome, error)
	Seal(ctx context.Context, key string) error
	Sealed(ctx context.Context, key string) (bool, error)
}

func outcomeOf(members []string, arrivals map[string]bool) Outcome {
	var o Outcome
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	for _, m := range sorted {
		ok, arrived := arrivals[m]
		switch {
		case !arrived:
			o.Pending = append(o.Pending, m)
		case ok:
			o.Succeeded = append(o.Succeeded, m)
		default:
			o.Failed = append(o.Failed, m)
		}
	}
	return o
}

// MemoryBarrier is an in-process Barrier.
type MemoryBarrier struct {
	mu     sync.Mutex
	groups map[string]*memoryGroup
	sealed map[string]struct{}
}

type memoryGroup struct {
	members  []string
	arrivals map[string]bool
	fired    bool
}

func NewMemoryBarrier() *MemoryBarrier {
	return &MemoryBarrier{groups: map[string]*memoryGroup{}, sealed: map[string]struct{}{}}
}

func (b *MemoryBarrier) Arm(_ context.Context, key string, members []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.sealed[key]; done {
		return nil
	}
	g, ok := b.groups[key]
	if !ok {
		g = &memoryGroup{arrivals: map[string]bool{}}
		b.groups[key] = g
	}
	for _, m := range members {
		if !slices.Contains(g.members, m) {
			g.members = append(g.members, m)
		}
	}
	return nil
}

func (b *MemoryBarrier) Arrive(_ context.Context, key, member string, ok bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.sealed[key]; done {
		return false, ErrBarrierSealed
	}
	g, armed := b.groups[key]
	if !armed {
		return false, ErrBarrierNotArmed
	}
	if prev, seen := g.arrivals[member]; !seen || (ok && !prev) {
		g.arrivals[member] = ok
	}
	if g.fired || !outcomeOf(g.members, g.arrivals).Complete() {
		return false, nil
	}
	g.fired = true
	return true, nil
}

func (b *MemoryBarrier) Release(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[key]; ok {
		g.fired = false
	}
	return nil
}

func (b *MemoryBarrier) Outcome(_ context.Context, key string) (Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.sealed[key]; done {
		return Outcome{}, ErrBarrierSealed
	}
	g, ok := b.groups[key]
	if !ok {
		return Outcome{}, ErrBarrierNotArmed
	}
	return outcomeOf(g.members, g.arrivals), nil
}

func (b *MemoryBarrier) Seal(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groups, key)
	b.sealed[key] = struct{}{}
	return nil
}

func (b *MemoryBarrier) Sealed(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, done := b.sealed[key]
	return done, nil
}

// RedisBarrier keeps members in a set, arrivals in a hash and the fired flag
// in a plain key, all under barrier:<key>. The arrival write and the reads
// that decide completion run in one MULTI so the last arrival always sees
// the full set; SETNX on the fired flag picks the single winner. A sealed
// barrier is a lone barrier:<key>:sealed key living for the barrier TTL.
type RedisBarrier struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

const defaultBarrierTTL = 7 * 24 * time.Hour

func NewRedisBarrier(rdb redis.UniversalClient) *RedisBarrier {
	return &RedisBarrier{rdb: rdb, ttl: defaultBarrierTTL}
}

func barrierKeys(key string) (members, arrivals, fired string) {
	base := "barrier:" + key
	return base + ":members", base + ":arrivals", base + ":fired"
}

func sealKey(key string) string { return "barrier:" + key + ":sealed" }

func (b *RedisBarrier) Arm(ctx context.Context, key string, members []string) error {
	if sealed, err := b.Sealed(ctx, key); err != nil || sealed {
		return err
	}
	mk, ak, _ := barrierKeys(key)
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, mk, args...)
		p.Expire(ctx, mk, b.ttl)
		p.Expire(ctx, ak, b.ttl)
		return nil
	})
	return err
}

func (b *RedisBarrier) Arrive(ctx context.Context, key, member string, ok bool) (bool, error) {
	mk, ak, fk := barrierKeys(key)

	sealed, err := b.Sealed(ctx, key)
	if err != nil {
		return false, err
	}
	if sealed {
		return false, ErrBarrierSealed
	}
	n, err := b.rdb.Exists(ctx, mk).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrBarrierNotArmed
	}

	var membersCmd *redis.StringSliceCmd
	var arrivalsCmd *redis.MapStringStringCmd
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if ok {
			p.HSet(ctx, ak, member, "1")
		} else {
			p.HSetNX(ctx, ak, member, "0")
		}
		p.Expire(ctx, ak, b.ttl)
		membersCmd = p.SMembers(ctx, mk)
		arrivalsCmd = p.HGetAll(ctx, ak)
		return nil
	})
	if err != nil {
		return false, err
	}

	if !outcomeOf(membersCmd.Val(), decodeArrivals(arrivalsCmd.Val())).Complete() {
		return false, nil
	}
	return b.rdb.SetNX(ctx, fk, "1", b.ttl).Result()
}

func (b *RedisBarrier) Release(ctx context.Context, key string) error {
	_, _, fk := barrierKeys(key)
	return b.rdb.Del(ctx, fk).Err()
}

func (b *RedisBarrier) Outcome(ctx context.Context, key string) (Outcome, error) {
	mk, ak, _ := barrierKeys(key)
	var sealedCmd *redis.IntCmd
	var membersCmd *redis.StringSliceCmd
	var arrivalsCmd *redis.MapStringStringCmd
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		sealedCmd = p.Exists(ctx, sealKey(key))
		membersCmd = p.SMembers(ctx, mk)
		arrivalsCmd = p.HGetAll(ctx, ak)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if sealedCmd.Val() > 0 {
		return Outcome{}, ErrBarrierSealed
	}
	if len(membersCmd.Val()) == 0 {
		return Outcome{}, ErrBarrierNotArmed
	}
	return outcomeOf(membersCmd.Val(), decodeArrivals(arrivalsCmd.Val())), nil
}

func (b *RedisBarrier) Seal(ctx context.Context, key string) error {
	mk, ak, fk := barrierKeys(key)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sealKey(key), "1", b.ttl)
		p.Del(ctx, mk, ak, fk)
		return nil
	})
	return err
}

func (b *RedisBarrier) Sealed(ctx context.Context, key string) (bool, error) {
	n, err := b.rdb.Exists(ctx, sealKey(key)).Result()
	return n > 0, err
}

func decodeArrivals(raw map[string]string) map[string]bool {
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		out[k] = v == "1"
	}
	return out
}
