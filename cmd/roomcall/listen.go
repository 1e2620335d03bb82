/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tejzpr/roomcall-go-sdk/control"
)

func newListenCmd(opts *rootOptions) *cobra.Command {
	var autoAccept bool
	var controlAddr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Watch the room for calls and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-accept") {
				a.cfg.AutoAccept = autoAccept
			}
			if controlAddr != "" {
				a.cfg.ControlAddr = controlAddr
			}
			return a.listen(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "answer incoming calls automatically")
	cmd.Flags().StringVar(&controlAddr, "control-addr", "", "control API listen address (overrides control_addr)")
	return cmd
}

func (a *agent) listen(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := a.room.Controller
	if a.cfg.AutoAccept {
		a.presenter.OnIncoming(func(caller string) {
			if err := ctrl.Accept(ctx); err != nil {
				a.logger.Warn().Err(err).Str("caller", caller).Msg("auto-accept failed")
			}
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(ctx, a.room.ID)
	})
	if a.cfg.ControlAddr != "" {
		server := control.NewServer(a.cfg.ControlAddr, control.NewHandler(ctrl, a.registry, a.logger))
		g.Go(func() error {
			return server.Run(ctx)
		})
	}

	err := g.Wait()
	a.logger.Info().Msg("agent stopped")
	return err
}
