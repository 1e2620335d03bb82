/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tejzpr/roomcall-go-sdk/voicecall"
)

func newCallCmd(opts *rootOptions) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call the room and hold the call",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(opts)
			if err != nil {
				return err
			}
			return a.call(cmd.Context(), duration)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "hang up after this long (0 holds until interrupted or the call ends)")
	return cmd
}

func (a *agent) call(parent context.Context, duration time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := a.room.Controller
	runDone := make(chan error, 1)
	go func() { runDone <- ctrl.Run(ctx, a.room.ID) }()

	if err := initiateWhenRunning(ctx, ctrl); err != nil {
		stop()
		<-runDone
		return err
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			a.logger.Info().Dur("duration", duration).Msg("hanging up")
			break wait
		case <-ticker.C:
			if ctrl.State() == voicecall.StateIdle {
				break wait
			}
		}
	}

	_ = ctrl.End(context.Background())
	stop()
	return <-runDone
}

// initiateWhenRunning retries Initiate until Run has attached the room.
func initiateWhenRunning(ctx context.Context, ctrl *voicecall.Controller) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := ctrl.Initiate(ctx)
		if !errors.Is(err, voicecall.ErrNotRunning) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
