package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"go2tv.app/castlink/castsession"
	"go2tv.app/castlink/devices"
)

func checkflags() error {
	if !*listPtr && *targetPtr == "" && !*joinPtr && *appIDPtr == "" {
		return errNoflag
	}

	if err := checkLflag(); err != nil {
		return fmt.Errorf("checkflags error: %w", err)
	}

	if *appIDPtr != "" && !devices.ValidAppID(*appIDPtr) {
		return fmt.Errorf("checkflags error: %w", devices.ErrInvalidAppID)
	}

	if *timeoutPtr <= 0 {
		return fmt.Errorf("checkflags error: -timeout must be positive")
	}

	return nil
}

func checkLflag() error {
	if !*listPtr {
		return nil
	}

	combined := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t", "join", "stop":
			combined = true
		}
	})
	if combined {
		return errors.New("can't combine -l with -t, -join or -stop")
	}

	return nil
}

func listReceivers(ctx context.Context, coord *castsession.Coordinator, timeout time.Duration) error {
	var found []devices.Route
	done := make(chan struct{})

	h := coord.StartRouteScan(timeout, func(routes []devices.Route) {
		found = routes
	}, func() { close(done) })
	if h.IsZero() {
		return errors.New("cast discovery is unavailable")
	}

	select {
	case <-done:
	case <-ctx.Done():
		coord.StopRouteScan(h)
		return nil
	}

	if len(found) == 0 {
		return errors.New("no receivers found")
	}

	fmt.Println()
	for i, r := range found {
		boldStart := ""
		boldEnd := ""

		if runtime.GOOS == "linux" {
			boldStart = "\033[1m"
			boldEnd = "\033[0m"
		}
		fmt.Printf("%sDevice %v%s\n", boldStart, i+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s  %s\n", boldStart, boldEnd, r.DisplayName)
		fmt.Printf("%sID:%s    %s\n", boldStart, boldEnd, r.ID)
		fmt.Printf("%sAddr:%s  %s\n", boldStart, boldEnd, r.Addr())
		if r.Model != "" {
			fmt.Printf("%sModel:%s %s\n", boldStart, boldEnd, r.Model)
		}
		fmt.Println()
	}

	return nil
}
