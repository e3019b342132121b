// internal/app/helpers.go
package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NormalizeLocalAddr keeps the control API on localhost.
func NormalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func logBanner(log *logrus.Entry, mode, dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Infof("goopcall %s", mode)
	log.Infof(" Folder      : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	if mode == "peer" {
		log.Info(" This process represents ONE user.")
		log.Info(" Different folder/config = different user.")
	}
	log.Info("────────────────────────────────────────")
}
