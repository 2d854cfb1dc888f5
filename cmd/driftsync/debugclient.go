package main

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/config"
)

// debugClient talks to the daemon's loopback debug server.
type debugClient struct {
	client *req.Client
}

func newDebugClient(cmd *cobra.Command) *debugClient {
	addr, _ := cmd.Flags().GetString("debug-addr")
	return &debugClient{
		client: req.C().
			SetBaseURL("http://" + addr).
			SetTimeout(5 * time.Second),
	}
}

func (c *debugClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.client.R().SetContext(ctx).SetSuccessResult(out).Get(path)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return nil
}

func (c *debugClient) post(ctx context.Context, path string, body any) error {
	r := c.client.R().SetContext(ctx)
	if body != nil {
		r.SetBody(body)
	}
	resp, err := r.Post(path)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return nil
}

func addDebugAddrFlag(cmd *cobra.Command) {
	cmd.Flags().String("debug-addr", config.DefaultDebugAddr, "Daemon debug server address")
}
