// Command nsmux mirrors a directory tree through FUSE, interpreting
// ",,"-magic pathname components as translator-stacking requests
// (SPEC_FULL.md §1). Its flag and startup shape follows
// _examples/hanwen-go-fuse/example/loopback/main.go, generalized from
// nodefs.NewLoopbackRoot/fuse.NewServer to internal/nsfs's Runtime/Mount.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/moby/sys/mountinfo"

	"github.com/sivanov/nsmux/internal/nsfs"
)

func main() {
	var cacheSize int
	flag.IntVar(&cacheSize, "cache-size", 256, "number of heavy nodes to keep pinned in the node cache")
	flag.IntVar(&cacheSize, "c", 256, "shorthand for --cache-size")
	debug := flag.Bool("debug", false, "set NSMUX_DEBUG, which opens the debug log /var/log/nsmux.dbg")
	allowOther := flag.Bool("allow-other", false, "allow other users to access the mount")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] MOUNTPOINT ORIGINAL\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	if *debug {
		os.Setenv("NSMUX_DEBUG", "1")
	}

	mountPoint, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("nsmux: resolving mountpoint: %v", err)
	}
	original, err := filepath.Abs(flag.Arg(1))
	if err != nil {
		log.Fatalf("nsmux: resolving original directory: %v", err)
	}

	if already, err := mountinfo.Mounted(mountPoint); err != nil {
		log.Fatalf("nsmux: checking %s: %v", mountPoint, err)
	} else if already {
		log.Fatalf("nsmux: %s is already a mount point", mountPoint)
	}

	rt, err := nsfs.NewRuntime(original, cacheSize)
	if err != nil {
		log.Fatalf("nsmux: initializing runtime on %s: %v", original, err)
	}

	server, err := nsfs.Mount(mountPoint, rt, *allowOther)
	if err != nil {
		log.Fatalf("nsmux: mounting on %s: %v", mountPoint, err)
	}

	if mounted, err := mountinfo.Mounted(mountPoint); err != nil || !mounted {
		log.Fatalf("nsmux: mount at %s did not register", mountPoint)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		ctx, cancel := context.WithTimeout(context.Background(), nsfs.ShutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil {
			log.Printf("nsmux: shutting down translators: %v", err)
		}
		if err := server.Unmount(); err != nil {
			log.Printf("nsmux: unmount %s: %v", mountPoint, err)
		}
	}()

	server.Wait()
}
