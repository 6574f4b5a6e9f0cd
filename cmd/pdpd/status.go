package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/cellular-data-manager/internal/config"
	"github.com/signalsfoundry/cellular-data-manager/internal/debugapi"
)

type statusOptions struct {
	addr      string
	contexts  bool
	apnType   string
	transport string
	recover   bool
	timeout   time.Duration
}

func newStatusCmd() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running pdpd over its debug gRPC endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.addr == "" {
				cfg, err := config.Load(envFiles...)
				if err != nil {
					return err
				}
				opts.addr = cfg.DebugGRPCAddr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return status(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "", "debug gRPC address (defaults to PDPD_DEBUG_GRPC_ADDR)")
	f.BoolVar(&opts.contexts, "contexts", false, "list request contexts instead of connections")
	f.StringVar(&opts.apnType, "allowed", "", "report whether data is allowed for this APN type")
	f.StringVar(&opts.transport, "transport", "", "transport for --allowed (wwan or wlan)")
	f.BoolVar(&opts.recover, "recover", false, "trigger one data stall recovery step")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func status(ctx context.Context, out io.Writer, opts *statusOptions) error {
	cc, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.Wrapf(err, "dial %s", opts.addr)
	}
	defer cc.Close()
	client := debugapi.NewClient(cc)

	var reply *structpb.Struct
	switch {
	case opts.recover:
		if err := client.TriggerRecovery(ctx); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "recovery triggered")
		return err
	case opts.apnType != "":
		reply, err = client.GetDataAllowed(ctx, opts.apnType, opts.transport)
	case opts.contexts:
		reply, err = client.ListRequestContexts(ctx)
	default:
		reply, err = client.ListConnections(ctx)
	}
	if err != nil {
		return err
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(reply)
	if err != nil {
		return errors.Wrap(err, "encode reply")
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
