package protocol

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/tidwall/redcon"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/internal/procs"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Procedure commands parse and validate their whole argument list before
// touching the store, then run as a single Atomic call.

func parseCount(b []byte) (int, bool) {
	n, err := strconv.Atoi(string(b))
	return n, err == nil && n >= 0
}

// scaleDuration returns n units, or false if that does not fit in a
// time.Duration.
func scaleDuration(n int64, unit time.Duration) (time.Duration, bool) {
	if n > math.MaxInt64/int64(unit) || n < math.MinInt64/int64(unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

func writeInvalidExpire(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR invalid expire time in '" + cmd + "' command")
}

// STATE.SET key ttl_ms channel id_field id nsets [field value]... ndels [field]...
func (h *Handler) cmdStateSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 7 {
		WriteArity(conn, "state.set")
		return
	}

	ttlMs, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		WriteNotInteger(conn)
		return
	}
	ttl, ok := scaleDuration(ttlMs, time.Millisecond)
	if !ok {
		writeInvalidExpire(conn, "state.set")
		return
	}
	nsets, ok := parseCount(args[5])
	if !ok {
		WriteNotInteger(conn)
		return
	}
	// Bound the count by what is actually there before doing arithmetic
	// with it: six fixed args, the pairs, then ndels.
	if nsets > (len(args)-7)/2 {
		WriteArity(conn, "state.set")
		return
	}
	pos := 6 + 2*nsets
	ndels, ok := parseCount(args[pos])
	if !ok {
		WriteNotInteger(conn)
		return
	}
	if ndels != len(args)-pos-1 {
		WriteArity(conn, "state.set")
		return
	}

	u := &procs.FieldUpdate{
		Key:     string(args[0]),
		Channel: string(args[2]),
		IDField: string(args[3]),
		ID:      string(args[4]),
		Sets:    make(map[string]string, nsets),
		Deletes: keysOf(args[pos+1:]),
		TTL:     ttl,
	}
	for i := 6; i < pos; i += 2 {
		f := string(args[i])
		if _, dup := u.Sets[f]; dup {
			WriteErr(conn, fmt.Errorf("%w: field %q set twice", pkgerrors.ErrInvalidArgs, f))
			return
		}
		u.Sets[f] = string(args[i+1])
	}
	if err := u.Validate(); err != nil {
		WriteErr(conn, err)
		return
	}

	var changed int64
	err = h.engine.Atomic(ctx, u.Keys(), func(tx *memory.Tx) error {
		var err error
		changed, err = procs.SetFields(tx, u)
		return err
	})
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, changed)
}

// PARTY.JOIN meta_key set_key member [field value]...
func (h *Handler) cmdPartyJoin(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 3 || (len(args)-3)%2 != 0 {
		WriteArity(conn, "party.join")
		return
	}

	metaKey, setKey, member := string(args[0]), string(args[1]), string(args[2])
	meta := make(map[string]string, (len(args)-3)/2)
	for i := 3; i < len(args); i += 2 {
		meta[string(args[i])] = string(args[i+1])
	}

	var n int64
	err := h.engine.Atomic(ctx, []string{metaKey, setKey}, func(tx *memory.Tx) error {
		var err error
		n, err = procs.AddMember(tx, metaKey, setKey, member, meta)
		return err
	})
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, n)
}

// PARTY.LEAVE meta_key set_key member
func (h *Handler) cmdPartyLeave(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 3 {
		WriteArity(conn, "party.leave")
		return
	}

	metaKey, setKey, member := string(args[0]), string(args[1]), string(args[2])
	var n int64
	err := h.engine.Atomic(ctx, []string{metaKey, setKey}, func(tx *memory.Tx) error {
		var err error
		n, err = procs.RemoveMember(tx, metaKey, setKey, member)
		return err
	})
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, n)
}

// RATE.ADMIT key now_ms burst_limit burst_window_ms long_limit long_window_ms max_len
//
// A non-positive now_ms uses the server clock.
func (h *Handler) cmdRateAdmit(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 7 {
		WriteArity(conn, "rate.admit")
		return
	}

	var nums [6]int64
	for i := range nums {
		n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
		if err != nil {
			WriteNotInteger(conn)
			return
		}
		nums[i] = n
	}

	burstWindow, ok := scaleDuration(nums[2], time.Millisecond)
	if !ok {
		WriteNotInteger(conn)
		return
	}
	longWindow, ok := scaleDuration(nums[4], time.Millisecond)
	if !ok {
		WriteNotInteger(conn)
		return
	}

	key := string(args[0])
	l := procs.Limits{
		BurstLimit:  nums[1],
		BurstWindow: burstWindow,
		LongLimit:   nums[3],
		LongWindow:  longWindow,
		MaxLen:      nums[5],
	}
	if err := l.Validate(); err != nil {
		WriteErr(conn, err)
		return
	}

	var admitted bool
	err := h.engine.Atomic(ctx, []string{key}, func(tx *memory.Tx) error {
		now := tx.Now()
		if nums[0] > 0 {
			now = time.UnixMilli(nums[0])
		}
		var err error
		admitted, err = procs.Admit(tx, key, now, l)
		return err
	})
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteBool(conn, admitted)
}

// LEASE.RELEASE key owner
func (h *Handler) cmdLeaseRelease(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "lease.release")
		return
	}

	key, owner := string(args[0]), string(args[1])
	var released bool
	err := h.engine.Atomic(ctx, []string{key}, func(tx *memory.Tx) error {
		var err error
		released, err = procs.ReleaseLease(tx, key, owner)
		return err
	})
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteBool(conn, released)
}
