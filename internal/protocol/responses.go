package protocol

import (
	"errors"
	"strconv"

	"github.com/tidwall/redcon"

	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Static RESP responses written without allocation.
var (
	RespOK   = []byte("+OK\r\n")
	RespPONG = []byte("+PONG\r\n")
	RespNil  = []byte("$-1\r\n")

	ErrSyntax = []byte("-ERR syntax error\r\n")
	ErrNotInt = []byte("-ERR value is not an integer or out of range\r\n")
)

// intCache caches RESP-formatted integers from -2 to 100; TTL replies and
// counts land in this range almost always.
var intCache [103][]byte

func init() {
	for i := -2; i <= 100; i++ {
		intCache[i+2] = []byte(":" + strconv.Itoa(i) + "\r\n")
	}
}

// WriteOK writes a static OK response
func WriteOK(conn redcon.Conn) {
	conn.WriteRaw(RespOK)
}

// WriteNull writes a null bulk string response
func WriteNull(conn redcon.Conn) {
	conn.WriteRaw(RespNil)
}

// WriteInt writes n, from the cache when possible.
func WriteInt(conn redcon.Conn, n int64) {
	if n >= -2 && n <= 100 {
		conn.WriteRaw(intCache[n+2])
		return
	}
	conn.WriteInt64(n)
}

// WriteBool writes 1 or 0.
func WriteBool(conn redcon.Conn, ok bool) {
	if ok {
		WriteInt(conn, 1)
		return
	}
	WriteInt(conn, 0)
}

// WriteSyntaxError writes a syntax error response
func WriteSyntaxError(conn redcon.Conn) {
	conn.WriteRaw(ErrSyntax)
}

// WriteNotInteger writes the Redis integer parse error.
func WriteNotInteger(conn redcon.Conn) {
	conn.WriteRaw(ErrNotInt)
}

// WriteArity writes the Redis arity error for cmd.
func WriteArity(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + cmd + "' command")
}

// WriteErr maps a store error onto a RESP error reply. Clients map the
// message text back onto the same sentinel.
func WriteErr(conn redcon.Conn, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrWrongType):
		conn.WriteError(pkgerrors.ErrWrongType.Error())
	case errors.Is(err, pkgerrors.ErrInvalidArgs):
		conn.WriteError("ERR " + err.Error())
	case errors.Is(err, pkgerrors.ErrClosed):
		conn.WriteError("ERR " + pkgerrors.ErrUnavailable.Error())
	default:
		conn.WriteError("ERR " + err.Error())
	}
}
