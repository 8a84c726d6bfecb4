package protocol

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/tidwall/redcon"

	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

func (h *Handler) cmdHGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "hget")
		return
	}

	val, err := h.engine.HGet(ctx, string(args[0]), string(args[1]))
	if errors.Is(err, pkgerrors.ErrKeyNotFound) {
		WriteNull(conn)
		return
	}
	if err != nil {
		WriteErr(conn, err)
		return
	}
	conn.WriteBulkString(val)
}

func (h *Handler) cmdHSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 3 || len(args)%2 != 1 {
		WriteArity(conn, "hset")
		return
	}

	created, err := h.engine.HSet(ctx, string(args[0]), keysOf(args[1:])...)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, created)
}

func (h *Handler) cmdHDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		WriteArity(conn, "hdel")
		return
	}

	removed, err := h.engine.HDel(ctx, string(args[0]), keysOf(args[1:])...)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, removed)
}

func (h *Handler) cmdHGetAll(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "hgetall")
		return
	}

	all, err := h.engine.HGetAll(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}

	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	conn.WriteArray(len(fields) * 2)
	for _, f := range fields {
		conn.WriteBulkString(f)
		conn.WriteBulkString(all[f])
	}
}

func (h *Handler) cmdHLen(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "hlen")
		return
	}

	n, err := h.engine.HLen(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, n)
}

func (h *Handler) cmdHExists(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "hexists")
		return
	}

	ok, err := h.engine.HExists(ctx, string(args[0]), string(args[1]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteBool(conn, ok)
}

func (h *Handler) cmdSAdd(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		WriteArity(conn, "sadd")
		return
	}

	added, err := h.engine.SAdd(ctx, string(args[0]), keysOf(args[1:])...)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, added)
}

func (h *Handler) cmdSRem(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		WriteArity(conn, "srem")
		return
	}

	removed, err := h.engine.SRem(ctx, string(args[0]), keysOf(args[1:])...)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, removed)
}

func (h *Handler) cmdSCard(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "scard")
		return
	}

	n, err := h.engine.SCard(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, n)
}

func (h *Handler) cmdSMembers(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "smembers")
		return
	}

	members, err := h.engine.SMembers(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	conn.WriteArray(len(members))
	for _, m := range members {
		conn.WriteBulkString(m)
	}
}

func (h *Handler) cmdSIsMember(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "sismember")
		return
	}

	ok, err := h.engine.SIsMember(ctx, string(args[0]), string(args[1]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteBool(conn, ok)
}

func (h *Handler) cmdRPush(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		WriteArity(conn, "rpush")
		return
	}

	n, err := h.engine.RPush(ctx, string(args[0]), keysOf(args[1:])...)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, n)
}

func parseRange(args [][]byte) (int64, int64, bool) {
	start, err := strconv.ParseInt(string(args[0]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	stop, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, stop, true
}

func (h *Handler) cmdLRange(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 3 {
		WriteArity(conn, "lrange")
		return
	}
	start, stop, ok := parseRange(args[1:])
	if !ok {
		WriteNotInteger(conn)
		return
	}

	items, err := h.engine.LRange(ctx, string(args[0]), start, stop)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	conn.WriteArray(len(items))
	for _, it := range items {
		conn.WriteBulkString(it)
	}
}

func (h *Handler) cmdLLen(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "llen")
		return
	}

	n, err := h.engine.LLen(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, n)
}

func (h *Handler) cmdLTrim(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 3 {
		WriteArity(conn, "ltrim")
		return
	}
	start, stop, ok := parseRange(args[1:])
	if !ok {
		WriteNotInteger(conn)
		return
	}

	if err := h.engine.LTrim(ctx, string(args[0]), start, stop); err != nil {
		WriteErr(conn, err)
		return
	}
	WriteOK(conn)
}

func (h *Handler) cmdPublish(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "publish")
		return
	}

	n, err := h.engine.Publish(ctx, string(args[0]), string(args[1]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, n)
}

// cmdSubscribe hands the connection over to redcon's PubSub; from then on
// the connection only speaks the subscriber protocol.
func (h *Handler) cmdSubscribe(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "subscribe")
		return
	}
	raw := unwrapConn(conn)
	for _, ch := range args {
		h.pubsub.Subscribe(raw, string(ch))
	}
}

func (h *Handler) cmdPSubscribe(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "psubscribe")
		return
	}
	raw := unwrapConn(conn)
	for _, p := range args {
		h.pubsub.Psubscribe(raw, string(p))
	}
}
