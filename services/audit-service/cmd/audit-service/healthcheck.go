package main

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/config"
	"github.com/md-rashed-zaman/eventrelay/libs/grpcx"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
)

// runHealthcheck asks the local gRPC health service whether this instance is
// serving. It backs `audit-service healthcheck` for container health checks and
// returns the process exit code.
func runHealthcheck() int {
	logger := runtime.NewLogger("audit-service-healthcheck")
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		logger.Error("invalid grpc port", "err", err)
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := grpcx.CheckHealth(ctx, "127.0.0.1:"+grpcPort, ""); err != nil {
		logger.Error("unhealthy", "err", err)
		return 1
	}
	return 0
}
