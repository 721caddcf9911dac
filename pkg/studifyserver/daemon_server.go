package studifyserver

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

type DaemonProcess interface {
	Run(ctx context.Context)
}

func NewDaemonServer(processes []DaemonProcess) *DaemonServer {
	da := &DaemonServer{}

	for _, p := range processes {
		da.addProcess(p)
	}

	return da
}

type DaemonServer struct {
	processes []DaemonProcess
}

func (da *DaemonServer) addProcess(process DaemonProcess) {
	da.processes = append(da.processes, process)
}

// Serve runs every process until ctx is cancelled or the process receives
// SIGINT or SIGTERM, then gives them a moment to finish.
func (da *DaemonServer) Serve(ctx context.Context) {
	if len(da.processes) < 1 {
		log.Error("Empty process list, exiting")
		return
	}

	log.Info("Started serving")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := sync.WaitGroup{}

	for _, process := range da.processes {
		wg.Add(1)
		p := process
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChannel)

	select {
	case s := <-sigChannel:
		log.Infof("Received shutdown signal: %v", s)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}
	cancel()

	// give them time to finish
	wchan := make(chan struct{})
	go func() {
		defer close(wchan)
		wg.Wait()
	}()

	select {
	case <-wchan:
		log.Info("Wait group completed")
	case <-time.After(10 * time.Second):
		log.Info("Timed out on wait group")
	}

	log.Info("Ended serving")
}
