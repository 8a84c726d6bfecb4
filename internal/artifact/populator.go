// Package artifact makes large shared files available in a local directory.
// Ensure publishes a file under its final name only through a rename that
// refuses to overwrite, so readers never see a partial file and the first
// replica to finish wins.
package artifact

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Source says where Ensure found the artifact.
type Source string

const (
	SourceLocal    Source = "local"
	SourceCache    Source = "cache"
	SourceOrigin   Source = "origin"
	SourceLostRace Source = "lost-race"
)

const fileMode = 0o644

type Populator struct {
	store  coord.Store
	origin Origin
	cfg    Config
	owner  string
	log    *zap.Logger
}

func New(store coord.Store, origin Origin, cfg Config, log *zap.Logger) (*Populator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Populator{store: store, origin: origin, cfg: cfg, owner: newOwnerID(), log: log}, nil
}

func newOwnerID() string {
	host, _ := os.Hostname()
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), hex.EncodeToString(b[:]))
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", pkgerrors.ErrInvalidName, name)
	}
	return nil
}

func (p *Populator) cacheKey(name string) string { return p.cfg.KeyPrefix + name }
func (p *Populator) leaseKey(name string) string { return p.cfg.KeyPrefix + name + ":lease" }

// Path returns where name is published.
func (p *Populator) Path(name string) string { return filepath.Join(p.cfg.Dir, name) }

// Ensure makes name available under Path(name). It checks the local file,
// then the store copy, then the origin; losing a publish race to another
// writer is success.
func (p *Populator) Ensure(ctx context.Context, name string) (Source, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	dest := p.Path(name)

	for {
		ok, err := p.checkLocal(dest)
		if err != nil {
			return "", err
		}
		if ok {
			metrics.RecordArtifact(string(SourceLocal), 0)
			return SourceLocal, nil
		}

		if src, n, ok := p.fromCache(ctx, name, dest); ok {
			metrics.RecordArtifact(string(src), n)
			return src, nil
		}

		owned, err := p.store.AcquireLease(ctx, p.leaseKey(name), p.owner, p.cfg.LeaseTTL)
		if err != nil {
			p.log.Warn("fetch lease unavailable, fetching anyway", zap.String("artifact", name), zap.Error(err))
		} else if !owned {
			if err := p.awaitOther(ctx, name, dest); err != nil {
				return "", err
			}
			continue
		}

		src, n, err := p.ownedFetch(ctx, name, dest)
		if owned {
			p.release(name)
		}
		if err != nil {
			return "", err
		}
		metrics.RecordArtifact(string(src), n)
		return src, nil
	}
}

// checkLocal reports whether dest holds a published file, fixing up its mode
// if a previous owner left it unreadable. An empty file can never have been
// published and is removed.
func (p *Populator) checkLocal(dest string) (bool, error) {
	fi, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", dest, err)
	}
	if !fi.Mode().IsRegular() {
		return false, fmt.Errorf("%s is not a regular file", dest)
	}
	if fi.Size() == 0 {
		if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove empty %s: %w", dest, err)
		}
		return false, nil
	}
	if fi.Mode().Perm()&0o444 != 0o444 {
		if err := os.Chmod(dest, fileMode); err != nil {
			return false, fmt.Errorf("chmod %s: %w", dest, err)
		}
	}
	return true, nil
}

// fromCache publishes the store copy if there is a usable one. Store errors
// fall through to the origin.
func (p *Populator) fromCache(ctx context.Context, name, dest string) (Source, int64, bool) {
	data, err := p.store.Get(ctx, p.cacheKey(name))
	switch {
	case errors.Is(err, pkgerrors.ErrKeyNotFound):
		return "", 0, false
	case err != nil:
		p.log.Warn("artifact cache unavailable", zap.String("artifact", name), zap.Error(err))
		return "", 0, false
	case len(data) == 0:
		p.log.Warn("ignoring empty cached artifact", zap.String("artifact", name))
		return "", 0, false
	}

	won, err := p.publish(dest, bytes.NewReader(data), nil)
	if err != nil {
		p.log.Warn("publishing cached artifact failed", zap.String("artifact", name), zap.Error(err))
		return "", 0, false
	}
	if !won {
		return SourceLostRace, 0, true
	}
	p.log.Info("artifact restored from cache", zap.String("artifact", name), zap.Int("bytes", len(data)))
	return SourceCache, int64(len(data)), true
}

// ownedFetch runs with the fetch lease held. The previous holder may have
// finished between our cache check and the acquire, so look again first.
func (p *Populator) ownedFetch(ctx context.Context, name, dest string) (Source, int64, error) {
	ok, err := p.checkLocal(dest)
	if err != nil {
		return "", 0, err
	}
	if ok {
		return SourceLocal, 0, nil
	}
	if src, n, ok := p.fromCache(ctx, name, dest); ok {
		return src, n, nil
	}
	return p.fromOrigin(ctx, name, dest)
}

func (p *Populator) fromOrigin(ctx context.Context, name, dest string) (Source, int64, error) {
	start := time.Now()
	rc, err := p.origin.Open(ctx, name)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	copyBuf := &cappedBuffer{max: p.cfg.MaxCacheBytes}
	cr := &countingReader{r: rc}
	won, err := p.publish(dest, cr, copyBuf)
	if err != nil {
		return "", 0, err
	}
	if !won {
		return SourceLostRace, cr.n, nil
	}
	p.log.Info("artifact fetched from origin",
		zap.String("artifact", name), zap.Int64("bytes", cr.n), zap.Duration("took", time.Since(start)))

	if copyBuf.overflow {
		p.log.Info("artifact too large for cache", zap.String("artifact", name), zap.Int64("bytes", cr.n))
	} else if err := p.store.Set(ctx, p.cacheKey(name), copyBuf.Bytes(), p.cfg.CacheTTL); err != nil {
		p.log.Warn("caching artifact failed", zap.String("artifact", name), zap.Error(err))
	}
	return SourceOrigin, cr.n, nil
}

// publish writes r to a fresh temp file next to dest and renames it into
// place. It reports false when dest already existed; the temp file is
// removed in that case and on any error.
func (p *Populator) publish(dest string, r io.Reader, tee io.Writer) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := io.Writer(tmp)
	if tee != nil {
		w = io.MultiWriter(tmp, tee)
	}
	n, err := io.Copy(w, r)
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: empty artifact", pkgerrors.ErrOriginFetch)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return false, err
	}

	err = renameNoReplace(tmpName, dest)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// awaitOther waits while another replica holds the fetch lease, until the
// artifact shows up locally or in the store, or the lease goes away.
func (p *Populator) awaitOther(ctx context.Context, name, dest string) error {
	p.log.Debug("waiting for another replica's fetch", zap.String("artifact", name))
	ticker := time.NewTicker(p.cfg.LeasePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
			return nil
		}
		if ok, err := p.store.Exists(ctx, p.cacheKey(name)); err != nil || ok {
			return nil
		}
		if ok, err := p.store.Exists(ctx, p.leaseKey(name)); err != nil || !ok {
			return nil
		}
	}
}

func (p *Populator) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.store.ReleaseLease(ctx, p.leaseKey(name), p.owner); err != nil {
		p.log.Warn("releasing fetch lease failed", zap.String("artifact", name), zap.Error(err))
	}
}

// linkRename is the portable no-clobber rename: link fails with EEXIST when
// newpath exists.
func linkRename(oldpath, newpath string) error {
	if err := os.Link(oldpath, newpath); err != nil {
		return err
	}
	return os.Remove(oldpath)
}

// countingReader counts origin bytes and marks transfer errors as origin
// failures.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %v", pkgerrors.ErrOriginFetch, err)
	}
	return n, err
}

// cappedBuffer keeps a copy of what is written to it until max bytes, then
// drops it.
type cappedBuffer struct {
	bytes.Buffer
	max      int64
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	if int64(b.Len()+len(p)) > b.max {
		b.overflow = true
		b.Reset()
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
