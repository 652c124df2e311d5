package fileutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/appcoreopc/incubator-ratis/pkg/xlog"
)

var logger = xlog.NewLogger("fileutil", xlog.INFO)

// PurgeFile purges files in directory periodically by its prefix,
// keeping at most max of them. Oldest files sort first.
func PurgeFile(dir, prefix string, max uint, interval time.Duration, stop <-chan struct{}) <-chan error {
	errc := make(chan error, 1)
	go func() {
		for {
			fnames, err := ReadDir(dir)
			if err != nil {
				errc <- err
				return
			}

			var ns []string
			for _, fname := range fnames {
				if strings.HasPrefix(fname, prefix) {
					ns = append(ns, fname)
				}
			}
			sort.Strings(ns)

			for len(ns) > int(max) {
				f := filepath.Join(dir, ns[0])
				if err = os.Remove(f); err != nil {
					errc <- err
					return
				}
				logger.Infof("purged %q", f)

				// pop-front
				ns = ns[1:]
			}

			select {
			case <-time.After(interval):
			case <-stop:
				logger.Info("purge stopped")
				return
			}
		}
	}()
	return errc
}
