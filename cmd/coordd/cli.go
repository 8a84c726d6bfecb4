package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// runCLI sends one command and prints the reply in redis-cli's layout.
func runCLI(host string, port int, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: coordd -cli -h <host> -p <port> <command> [args...]")
		return 1
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:             net.JoinHostPort(host, strconv.Itoa(port)),
		Protocol:         2,
		DisableIndentity: true,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmdArgs := make([]any, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}
	val, err := rdb.Do(ctx, cmdArgs...).Result()
	switch {
	case errors.Is(err, redis.Nil):
		fmt.Println("(nil)")
		return 0
	case err != nil:
		var rerr redis.Error
		if errors.As(err, &rerr) {
			fmt.Printf("(error) %s\n", rerr.Error())
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error talking to %s:%d: %v\n", host, port, err)
		return 1
	}
	fmt.Print(formatReply(val, ""))
	return 0
}

func formatReply(v any, indent string) string {
	switch v := v.(type) {
	case nil:
		return "(nil)\n"
	case int64:
		return fmt.Sprintf("(integer) %d\n", v)
	case string:
		return strconv.Quote(v) + "\n"
	case []any:
		if len(v) == 0 {
			return "(empty array)\n"
		}
		var b strings.Builder
		for i, item := range v {
			prefix := fmt.Sprintf("%d) ", i+1)
			if i > 0 {
				b.WriteString(indent)
			}
			b.WriteString(prefix)
			b.WriteString(formatReply(item, indent+strings.Repeat(" ", len(prefix))))
		}
		return b.String()
	default:
		return fmt.Sprintf("%v\n", v)
	}
}
