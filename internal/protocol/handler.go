package protocol

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

const serverVersion = "0.3.0"

type Handler struct {
	engine ProtocolEngine
	pubsub *redcon.PubSub
	cmds   cmdMap
}

func NewHandler(engine ProtocolEngine, pubsub *redcon.PubSub) *Handler {
	h := &Handler{engine: engine, pubsub: pubsub}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	r := h.cmds.register

	r("PING", h.cmdPing)
	r("ECHO", h.cmdEcho)
	r("QUIT", h.cmdQuit)
	r("COMMAND", h.cmdCommand)
	r("INFO", h.cmdInfo)
	r("CLIENT", h.cmdClient)
	r("CONFIG", h.cmdConfig)
	r("HELLO", h.cmdHello)

	r("GET", h.cmdGet)
	r("SET", h.cmdSet)
	r("DEL", h.cmdDel)
	r("EXISTS", h.cmdExists)
	r("TYPE", h.cmdType)
	r("KEYS", h.cmdKeys)
	r("DBSIZE", h.cmdDBSize)
	r("FLUSHDB", h.cmdFlushDB)
	r("FLUSHALL", h.cmdFlushDB)

	r("EXPIRE", h.cmdExpire)
	r("PEXPIRE", h.cmdPExpire)
	r("TTL", h.cmdTTL)
	r("PTTL", h.cmdPTTL)
	r("PERSIST", h.cmdPersist)

	r("HGET", h.cmdHGet)
	r("HSET", h.cmdHSet)
	r("HDEL", h.cmdHDel)
	r("HGETALL", h.cmdHGetAll)
	r("HLEN", h.cmdHLen)
	r("HEXISTS", h.cmdHExists)

	r("SADD", h.cmdSAdd)
	r("SREM", h.cmdSRem)
	r("SCARD", h.cmdSCard)
	r("SMEMBERS", h.cmdSMembers)
	r("SISMEMBER", h.cmdSIsMember)

	r("RPUSH", h.cmdRPush)
	r("LRANGE", h.cmdLRange)
	r("LLEN", h.cmdLLen)
	r("LTRIM", h.cmdLTrim)

	r("PUBLISH", h.cmdPublish)
	r("SUBSCRIBE", h.cmdSubscribe)
	r("PSUBSCRIBE", h.cmdPSubscribe)

	r("STATE.SET", h.cmdStateSet)
	r("PARTY.JOIN", h.cmdPartyJoin)
	r("PARTY.LEAVE", h.cmdPartyLeave)
	r("RATE.ADMIT", h.cmdRateAdmit)
	r("LEASE.RELEASE", h.cmdLeaseRelease)
}

// statusConn remembers whether a handler replied with an error.
type statusConn struct {
	redcon.Conn
	failed bool
}

func (c *statusConn) WriteError(msg string) {
	c.failed = true
	c.Conn.WriteError(msg)
}

func (c *statusConn) WriteRaw(data []byte) {
	if len(data) > 0 && data[0] == '-' {
		c.failed = true
	}
	c.Conn.WriteRaw(data)
}

func unwrapConn(conn redcon.Conn) redcon.Conn {
	if sc, ok := conn.(*statusConn); ok {
		return sc.Conn
	}
	return conn
}

func (h *Handler) ExecuteBytes(ctx context.Context, conn redcon.Conn, cmdBytes []byte, args [][]byte) {
	fn := h.cmds.Lookup(cmdBytes)
	if fn == nil {
		conn.WriteError("ERR unknown command '" + string(cmdBytes) + "'")
		return
	}

	start := time.Now()
	sc := &statusConn{Conn: conn}
	fn(ctx, sc, args)
	metrics.RecordCommand(strings.ToLower(string(cmdBytes)), time.Since(start), !sc.failed)
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteRaw(RespPONG)
	} else {
		conn.WriteBulk(args[0])
	}
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "echo")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) {
	WriteOK(conn)
	conn.Close()
}

func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteArray(0)
}

// cmdClient accepts SETNAME, SETINFO and friends so stock clients can
// finish their handshake.
func (h *Handler) cmdClient(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) > 0 && upperString(args[0]) == "GETNAME" {
		WriteNull(conn)
		return
	}
	WriteOK(conn)
}

func (h *Handler) cmdConfig(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) > 0 && upperString(args[0]) == "GET" {
		conn.WriteArray(0)
		return
	}
	WriteOK(conn)
}

// cmdHello only speaks RESP2. Clients asking for RESP3 get NOPROTO and fall
// back.
func (h *Handler) cmdHello(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) > 0 && string(args[0]) != "2" {
		conn.WriteError("NOPROTO unsupported protocol version")
		return
	}
	conn.WriteArray(14)
	conn.WriteBulkString("server")
	conn.WriteBulkString("dorch-coordd")
	conn.WriteBulkString("version")
	conn.WriteBulkString(serverVersion)
	conn.WriteBulkString("proto")
	conn.WriteInt(2)
	conn.WriteBulkString("id")
	conn.WriteInt(0)
	conn.WriteBulkString("mode")
	conn.WriteBulkString("standalone")
	conn.WriteBulkString("role")
	conn.WriteBulkString("master")
	conn.WriteBulkString("modules")
	conn.WriteArray(0)
}

func (h *Handler) cmdInfo(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	stats := h.engine.GetStats()
	size, _ := h.engine.DBSize(ctx)

	var b strings.Builder
	b.WriteString("# Server\r\n")
	b.WriteString("dorch_coordd_version:" + serverVersion + "\r\n")
	b.WriteString("\r\n# Stats\r\n")
	b.WriteString("total_transactions:" + strconv.FormatInt(stats.Transactions.Load(), 10) + "\r\n")
	b.WriteString("keyspace_hits:" + strconv.FormatInt(stats.Hits.Load(), 10) + "\r\n")
	b.WriteString("keyspace_misses:" + strconv.FormatInt(stats.Misses.Load(), 10) + "\r\n")
	b.WriteString("expired_keys:" + strconv.FormatInt(stats.ExpiredKeys.Load(), 10) + "\r\n")
	b.WriteString("evicted_keys:" + strconv.FormatInt(stats.EvictedKeys.Load(), 10) + "\r\n")
	b.WriteString("pubsub_dropped:" + strconv.FormatInt(h.engine.Broker().Dropped(), 10) + "\r\n")
	b.WriteString("\r\n# Keyspace\r\n")
	b.WriteString("db0:keys=" + strconv.FormatInt(size, 10))
	b.WriteString(",expires=" + strconv.FormatInt(h.engine.VolatileKeys(), 10) + "\r\n")

	conn.WriteBulkString(b.String())
}

func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "get")
		return
	}

	val, err := h.engine.GetBytes(ctx, string(args[0]))
	if errors.Is(err, pkgerrors.ErrKeyNotFound) {
		WriteNull(conn)
		return
	}
	if err != nil {
		WriteErr(conn, err)
		return
	}
	conn.WriteBulk(val)
}

func (h *Handler) cmdSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		WriteArity(conn, "set")
		return
	}

	key := string(args[0])
	value := args[1]
	var ttl time.Duration
	var nx, xx bool

	for i := 2; i < len(args); i++ {
		switch upperString(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				WriteSyntaxError(conn)
				return
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil {
				WriteNotInteger(conn)
				return
			}
			unit := time.Millisecond
			if upperString(args[i]) == "EX" {
				unit = time.Second
			}
			var ok bool
			if ttl, ok = scaleDuration(n, unit); !ok || n <= 0 {
				writeInvalidExpire(conn, "set")
				return
			}
			i++
		case "NX":
			nx = true
		case "XX":
			xx = true
		default:
			WriteSyntaxError(conn)
			return
		}
	}

	if nx && xx {
		WriteSyntaxError(conn)
		return
	}

	var (
		ok  = true
		err error
	)
	switch {
	case nx:
		ok, err = h.engine.SetNX(ctx, key, value, ttl)
	case xx:
		ok, err = h.engine.SetXX(ctx, key, value, ttl)
	default:
		err = h.engine.SetBytes(ctx, key, value, ttl)
	}
	if err != nil {
		WriteErr(conn, err)
		return
	}
	if !ok {
		WriteNull(conn)
		return
	}
	WriteOK(conn)
}

func keysOf(args [][]byte) []string {
	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg)
	}
	return keys
}

func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "del")
		return
	}

	count, err := h.engine.Del(ctx, keysOf(args)...)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, count)
}

func (h *Handler) cmdExists(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "exists")
		return
	}

	count, err := h.engine.Exists(ctx, keysOf(args)...)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteInt(conn, count)
}

func (h *Handler) cmdKeys(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "keys")
		return
	}

	keys, _ := h.engine.Keys(ctx, string(args[0]))
	conn.WriteArray(len(keys))
	for _, key := range keys {
		conn.WriteBulkString(key)
	}
}

func (h *Handler) cmdType(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "type")
		return
	}

	t, err := h.engine.Type(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	conn.WriteString(t)
}

func (h *Handler) cmdDBSize(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	size, _ := h.engine.DBSize(ctx)
	WriteInt(conn, size)
}

func (h *Handler) cmdFlushDB(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	if err := h.engine.FlushDB(ctx); err != nil {
		WriteErr(conn, err)
		return
	}
	WriteOK(conn)
}

func (h *Handler) expire(ctx context.Context, conn redcon.Conn, args [][]byte, name string, unit time.Duration) {
	if len(args) != 2 {
		WriteArity(conn, name)
		return
	}

	n, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		WriteNotInteger(conn)
		return
	}

	ttl, ok := scaleDuration(n, unit)
	if !ok {
		writeInvalidExpire(conn, name)
		return
	}
	ok, err = h.engine.Expire(ctx, string(args[0]), ttl)
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteBool(conn, ok)
}

func (h *Handler) cmdExpire(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.expire(ctx, conn, args, "expire", time.Second)
}

func (h *Handler) cmdPExpire(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.expire(ctx, conn, args, "pexpire", time.Millisecond)
}

func (h *Handler) ttl(ctx context.Context, conn redcon.Conn, args [][]byte, name string, unit time.Duration) {
	if len(args) != 1 {
		WriteArity(conn, name)
		return
	}

	ttl, err := h.engine.TTL(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	switch ttl {
	case memory.TTLMissing:
		WriteInt(conn, -2)
	case memory.TTLPersistent:
		WriteInt(conn, -1)
	default:
		// Round up so a live key never reports 0.
		WriteInt(conn, int64((ttl+unit-1)/unit))
	}
}

func (h *Handler) cmdTTL(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.ttl(ctx, conn, args, "ttl", time.Second)
}

func (h *Handler) cmdPTTL(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.ttl(ctx, conn, args, "pttl", time.Millisecond)
}

func (h *Handler) cmdPersist(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "persist")
		return
	}

	ok, err := h.engine.Persist(ctx, string(args[0]))
	if err != nil {
		WriteErr(conn, err)
		return
	}
	WriteBool(conn, ok)
}
