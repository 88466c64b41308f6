package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/backup/target"
	"github.com/relaybackup/engine/internal/ratelimit"
)

// targetFlags binds the CLI flags that describe a run's storage
// target, common to restore and verify: operator-facing tools run
// standalone against a target's credentials passed directly on the
// command line (or environment), without needing the hub's database
// or keyring reachable.
type targetFlags struct {
	targetType         string
	localBasePath      string
	webdavBaseURL      string
	webdavUser         string
	webdavPass         string
	webdavInsecureSkip bool
}

func (f *targetFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.targetType, "target-type", "local_dir", "target type: local_dir or webdav")
	fs.StringVar(&f.localBasePath, "target-base", "", "local_dir: base path the run directories live under")
	fs.StringVar(&f.webdavBaseURL, "target-url", "", "webdav: base URL the run directories live under")
	fs.StringVar(&f.webdavUser, "target-user", "", "webdav: username (or WEBDAV_USER env)")
	fs.StringVar(&f.webdavPass, "target-pass", "", "webdav: password (or WEBDAV_PASS env)")
	fs.BoolVar(&f.webdavInsecureSkip, "target-insecure", false, "webdav: skip TLS certificate verification")
}

func (f *targetFlags) build(ctx context.Context) (target.Target, error) {
	switch jobspec.TargetType(f.targetType) {
	case jobspec.TargetLocalDir:
		if f.localBasePath == "" {
			return nil, fmt.Errorf("-target-base is required for target-type=local_dir")
		}
		spec := jobspec.TargetSpec{Type: jobspec.TargetLocalDir, LocalDir: &jobspec.LocalDirTarget{BasePath: f.localBasePath}}
		return target.New(ctx, spec, nil)
	case jobspec.TargetWebDAV:
		if f.webdavBaseURL == "" {
			return nil, fmt.Errorf("-target-url is required for target-type=webdav")
		}
		user := envOr(f.webdavUser, "WEBDAV_USER")
		pass := envOr(f.webdavPass, "WEBDAV_PASS")
		w := target.NewWebDAV(f.webdavBaseURL, user, pass, f.webdavInsecureSkip)
		w.Limiter = ratelimit.New(ratelimit.DefaultConfig())
		return w, nil
	default:
		return nil, fmt.Errorf("unknown -target-type %q", f.targetType)
	}
}
