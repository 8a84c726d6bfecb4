// Command populate makes a set of artifacts available in a local directory,
// sharing fetches with other replicas through the coordination store.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/artifact"
	"github.com/beebs-dev/dorch-sub000/internal/config"
	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/pkg/logger"
)

var (
	dir      = flag.String("dir", "", "destination directory (overrides ARTIFACT_DIR)")
	list     = flag.String("list", "", "file with one artifact name per line ('-' for stdin)")
	httpBase = flag.String("origin", "", "HTTP origin base URL (default: S3 origin from ORIGIN_S3_* env)")
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

	if err := run(ctx, log); err != nil {
		log.Error("populate failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger) error {
	names := flag.Args()
	if *list != "" {
		more, err := readList(*list)
		if err != nil {
			return err
		}
		names = append(names, more...)
	}
	if len(names) == 0 {
		return fmt.Errorf("no artifacts given")
	}

	var cfg artifact.Config
	if err := config.ParseEnv(&cfg); err != nil {
		return err
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	var coordCfg coord.Config
	if err := config.ParseEnv(&coordCfg); err != nil {
		return err
	}

	origin, err := newOrigin()
	if err != nil {
		return err
	}

	store := coord.Open(coordCfg)
	defer store.Close()

	p, err := artifact.New(store, origin, cfg, log)
	if err != nil {
		return err
	}

	results, err := p.EnsureAll(ctx, names)
	for _, r := range results {
		if r.Err == nil {
			log.Info("artifact ready", zap.String("artifact", r.Name), zap.String("source", string(r.Source)))
		}
	}
	return err
}

func newOrigin() (artifact.Origin, error) {
	if *httpBase != "" {
		return artifact.NewHTTPOrigin(*httpBase, nil)
	}
	var s3 artifact.S3Config
	if err := config.ParseEnv(&s3); err != nil {
		return nil, err
	}
	return artifact.NewS3Origin(s3)
}

func readList(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseList(r)
}

// parseList reads one name per line, skipping blanks and # comments.
func parseList(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, sc.Err()
}
