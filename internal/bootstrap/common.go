package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

type operation func(ctx context.Context) error

// gracefulShutdown waits for termination syscalls and doing clean up operations after received it.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops map[string]operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)

		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		<-s

		logrus.Info("shutting down")

		// set timeout for the ops to be done to prevent system hang
		timeoutFunc := time.AfterFunc(timeout, func() {
			logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
			os.Exit(0)
		})
		defer timeoutFunc.Stop()

		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var wg conc.WaitGroup
		for key, op := range ops {
			wg.Go(func() {
				logrus.Info(fmt.Sprintf("cleaning up: %s", key))
				if err := op(opCtx); err != nil {
					logrus.Error(fmt.Sprintf("%s: clean up failed: %s", key, err.Error()))
					return
				}

				logrus.Info(fmt.Sprintf("%s was shutdown gracefully", key))
			})
		}
		wg.Wait()

		close(wait)
	}()

	return wait
}
