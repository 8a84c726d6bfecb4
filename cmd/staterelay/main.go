// Command staterelay is the telemetry sidecar of a game server. It reads
// newline-delimited JSON snapshots on stdin and keeps the server's live
// state record current. With -watch it prints change events instead.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beebs-dev/dorch-sub000/internal/config"
	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/gamestate"
	"github.com/beebs-dev/dorch-sub000/pkg/logger"
)

var (
	gameID   = flag.String("game", "", "game server id (empty with -watch follows every game)")
	interval = flag.Duration("interval", 5*time.Second, "heartbeat interval")
	ttl      = flag.Duration("ttl", 30*time.Second, "record lifetime without a heartbeat")
	watch    = flag.Bool("watch", false, "print change events instead of relaying")
	logLevel = flag.String("log-level", "info", "debug, info, warn or error")
)

func main() {
	flag.Parse()

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var coordCfg coord.Config
	var stateCfg gamestate.Config
	for _, target := range []any{&coordCfg, &stateCfg} {
		if err := config.ParseEnv(target); err != nil {
			log.Fatal("config", zap.Error(err))
		}
	}
	store := coord.Open(coordCfg)
	defer store.Close()
	reg := gamestate.New(store, stateCfg, log)

	if *watch {
		err = watchEvents(ctx, reg, *gameID, os.Stdout)
	} else {
		err = relay(ctx, reg, os.Stdin, log)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("staterelay", zap.Error(err))
		os.Exit(1)
	}
}

func relay(ctx context.Context, reg *gamestate.Register, in io.Reader, log *zap.Logger) error {
	if *gameID == "" {
		return fmt.Errorf("-game is required")
	}
	r, err := gamestate.NewRelay(reg, *gameID, *interval, *ttl)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })

	// The reader is not part of the group: a blocked stdin read must not
	// hold up shutdown.
	readDone := make(chan error, 1)
	go func() { readDone <- readSnapshots(in, r.Update, log) }()
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readDone:
			if err == nil {
				// stdin closed: the game server is gone, stop heartbeating.
				err = io.EOF
			}
			return err
		}
	})

	err = g.Wait()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// readSnapshots feeds each JSON object line to update. Malformed lines are
// logged and skipped.
func readSnapshots(in io.Reader, update func(map[string]any), log *zap.Logger) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		snap, err := decodeSnapshot(line)
		if err != nil {
			log.Warn("skipping snapshot", zap.Error(err))
			continue
		}
		update(snap)
	}
	return sc.Err()
}

// decodeSnapshot turns one JSON object into field values. Nested values are
// stored as compact JSON; null fields are left out, which removes them.
func decodeSnapshot(line []byte) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	snap := make(map[string]any, len(raw))
	for k, v := range raw {
		switch v[0] {
		case 'n':
			continue
		case '{', '[':
			var buf bytes.Buffer
			if err := json.Compact(&buf, v); err != nil {
				return nil, err
			}
			snap[k] = buf.String()
		default:
			dec := json.NewDecoder(bytes.NewReader(v))
			dec.UseNumber()
			var val any
			if err := dec.Decode(&val); err != nil {
				return nil, err
			}
			snap[k] = val
		}
	}
	return snap, nil
}

type eventLine struct {
	GameID  string            `json:"game_id"`
	Changed map[string]string `json:"changed,omitempty"`
	Removed []string          `json:"removed,omitempty"`
}

func watchEvents(ctx context.Context, reg *gamestate.Register, gameID string, out io.Writer) error {
	w, err := reg.Subscribe(ctx, gameID)
	if err != nil {
		return err
	}
	defer w.Close()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := enc.Encode(eventLine{GameID: ev.GameID, Changed: ev.Changed, Removed: ev.Removed}); err != nil {
				return err
			}
		}
	}
}
