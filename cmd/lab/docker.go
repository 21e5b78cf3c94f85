package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/distcodep7/dsmutex/mutex"
	"github.com/distcodep7/dsmutex/testing/containers"
	"github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/testing/wrapper"
)

// startContainers launches opts.DockerPeers peers in containers that dial
// the controller on ctrlAddr through the network gateway. It returns the
// wrapper address of each one.
func startContainers(ctx context.Context, opts labOptions, ctrlAddr net.Addr, logger controller.Logger) (*containers.Pool, map[wrapper.Alias]string, error) {
	pool, err := containers.NewPool(ctx, containers.Options{
		Image:   opts.DockerImage,
		Network: opts.DockerNetwork,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	gw, err := pool.Gateway(ctx)
	if err != nil {
		pool.Close(context.Background())
		return nil, nil, err
	}
	tcp, ok := ctrlAddr.(*net.TCPAddr)
	if !ok {
		pool.Close(context.Background())
		return nil, nil, fmt.Errorf("controller address %v is not TCP", ctrlAddr)
	}
	target := net.JoinHostPort(gw, strconv.Itoa(tcp.Port))

	cfg := opts.peerConfig()
	addrs := make(map[wrapper.Alias]string, opts.DockerPeers)
	for i := range opts.DockerPeers {
		alias := fmt.Sprintf("dsmutex-peer%d", i+1)
		w, err := pool.Start(ctx, containers.PeerSpec{
			Alias: alias,
			Args:  peerArgs(cfg, target, alias),
		})
		if err != nil {
			pool.Close(context.Background())
			return nil, nil, err
		}
		addrs[wrapper.Alias(alias)] = w.Addr
	}
	return pool, addrs, nil
}

func peerArgs(cfg mutex.Config, controllerAddr, name string) []string {
	return []string{
		"-controller", controllerAddr,
		"-group", cfg.Group,
		"-name", name,
		"-peers", strconv.Itoa(cfg.ExpectedPeers),
		"-timeout", cfg.ReceiveTimeout.String(),
		"-max-timeouts", strconv.Itoa(cfg.MaxAllowedTimeouts),
		"-head-multiplier", strconv.Itoa(cfg.HeadTimeoutMultiplier),
		"-max-hold", cfg.MaxHold.String(),
	}
}
