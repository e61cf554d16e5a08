// Package main exports the relay to C hosts.
//
// Build with:
//
//	go build -buildmode=c-shared -o libemproxy.so ./cmd/emproxy-lib
//
// Every entry point returns 0 on success or the error kind plus one:
// 1 invalid address, 2 invalid port, 3 invalid socket, 4 already running,
// 5 unknown.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/emproxy/emproxy/internal/config"
	"github.com/emproxy/emproxy/internal/identity"
	"github.com/emproxy/emproxy/internal/logging"
	"github.com/emproxy/emproxy/internal/metrics"
	"github.com/emproxy/emproxy/internal/probe"
	"github.com/emproxy/emproxy/internal/session"
)

// bridge holds the process-wide relay state behind the exported functions.
type bridge struct {
	once    sync.Once
	mgr     *session.Manager
	prober  *probe.Prober
	initErr error
}

var lib bridge

func (b *bridge) init() error {
	b.once.Do(func() {
		cfg := config.Default()
		logger := logging.NewLogger(envOr("EMPROXY_LOG_LEVEL", cfg.LogLevel), envOr("EMPROXY_LOG_FORMAT", cfg.LogFormat))
		m := metrics.Default()

		b.mgr, b.initErr = session.NewManager(cfg.Tunnel, identity.Default(), logger, m)
		b.prober = probe.New(logger, m)
	})
	return b.initErr
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// code maps an error to the value returned across the boundary.
func code(err error) int {
	if err == nil {
		return 0
	}
	return int(session.Kind(err)) + 1
}

func (b *bridge) start(addr string) int {
	if err := b.init(); err != nil {
		return code(err)
	}
	return code(b.mgr.Start(addr))
}

func (b *bridge) stop() {
	if b.init() != nil {
		return
	}
	b.mgr.Stop()
}

func (b *bridge) test(timeoutMs uint32) int {
	if err := b.init(); err != nil {
		return code(err)
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	return code(b.prober.Test(context.Background(), timeout))
}

// emproxy_start starts the relay bound to addr ("ipv4:port"). Binding
// continues in the background.
//
//export emproxy_start
func emproxy_start(addr *C.char) C.int {
	if addr == nil {
		return C.int(int(session.KindInvalidAddress) + 1)
	}
	return C.int(lib.start(C.GoString(addr)))
}

// emproxy_stop signals the relay to stop. It does not wait.
//
//export emproxy_stop
func emproxy_stop() {
	lib.stop()
}

// emproxy_test runs the local data path probe, blocking up to timeoutMs.
//
//export emproxy_test
func emproxy_test(timeoutMs C.uint32_t) C.int {
	return C.int(lib.test(uint32(timeoutMs)))
}

// main is required for c-shared buildmode but is not called by hosts.
func main() {}
