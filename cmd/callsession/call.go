package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callsession/internal/core/domain"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/utils"
	"callsession/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	callDuration time.Duration
	simulatePeer bool
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a group room and print session events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ValidateRoomID(args[0]); err != nil {
			return err
		}
		return runCall(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, a *app) error {
			return a.controller.JoinRoom(ctx, args[0])
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <participant-id>",
	Short: "Start a direct call and print session events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ValidateParticipantID(args[0]); err != nil {
			return err
		}
		return runCall(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, a *app) error {
			return a.controller.StartCall(ctx, args[0])
		})
	},
}

var generateRoomIDCmd = &cobra.Command{
	Use:   "generate-room-id",
	Short: "Print a fresh shareable room id",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), utils.GenerateRoomID())
	},
}

func init() {
	for _, c := range []*cobra.Command{joinCmd, callCmd} {
		c.Flags().DurationVarP(&callDuration, "duration", "d", 0, "hang up after this long (0 waits for a signal)")
		c.Flags().BoolVar(&simulatePeer, "simulate-peer", false, "add a loopback remote participant once connected")
	}
	rootCmd.AddCommand(joinCmd, callCmd, generateRoomIDCmd)
}

// runCall performs one establish operation against the loopback platform,
// prints state events until the call ends, the duration passes or a signal
// arrives, and then tears everything down.
func runCall(parent context.Context, out io.Writer, establish func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if callDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callDuration)
		defer cancel()
	}

	events, unsubscribe := a.controller.Subscribe()
	defer unsubscribe()

	opCtx, cancelOp := context.WithTimeout(ctx, cfg.Server.OperationTimeout)
	err = establish(opCtx, a)
	cancelOp()
	if err != nil {
		a.controller.EndCall(context.WithoutCancel(ctx))
		_ = a.close(context.Background())
		return fmt.Errorf("%s", apperrors.HumanMessage(err))
	}
	if w := a.controller.Snapshot().Warning; w != "" {
		fmt.Fprintln(out, "warning:", w)
	}

	var runErr error
	a.lifecycle.Guard(func() { runErr = printEvents(ctx, out, a, events) })

	if err := a.close(context.Background()); err != nil {
		a.log.Warnw("teardown finished with errors", "error", err)
	}
	return runErr
}

func printEvents(ctx context.Context, out io.Writer, a *app, events <-chan domain.SessionEvent) error {
	peerAdded := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "%s %-12s %-13s participants=%d muted=%t camera=%t %s\n",
				ev.At.Format(time.TimeOnly), ev.Type, ev.State, ev.ParticipantCount, ev.Muted, ev.CameraOn, ev.Message)

			if ev.State == domain.StateConnected && simulatePeer && !peerAdded {
				if call := a.backend.LastCall(); call != nil {
					p := call.AddParticipant("8:acs:loopback-peer", "Loopback Peer")
					p.AddStream("loopback-video", true)
					peerAdded = true
				}
			}
			if ev.Type == domain.EventState && ev.State == domain.StateDisconnected {
				if ev.Message != "" {
					return fmt.Errorf("%s", ev.Message)
				}
				return nil
			}
		}
	}
}
