package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/signalsfoundry/cellular-data-manager/internal/config"
	"github.com/signalsfoundry/cellular-data-manager/internal/debugapi"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/modemsim"
)

const testProfile = `
operator: "310260"
apns:
  - id: 1
    apn: internet
    types: default,supl
  - id: 2
    apn: ims
    types: ims
`

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	return lis
}

func defaultState(t *testing.T, ctx context.Context, client *debugapi.Client) string {
	t.Helper()
	reply, err := client.ListRequestContexts(ctx)
	if err != nil {
		t.Fatalf("ListRequestContexts: %v", err)
	}
	b, err := protojson.Marshal(reply)
	if err != nil {
		t.Fatalf("protojson.Marshal: %v", err)
	}
	var view debugapi.ContextsView
	if err := json.Unmarshal(b, &view); err != nil {
		t.Fatalf("decode contexts: %v", err)
	}
	for _, tv := range view.Trackers {
		if tv.Transport != "wwan" {
			continue
		}
		for _, c := range tv.Contexts {
			if c.Type == "default" {
				return c.State
			}
		}
	}
	return ""
}

func TestPdpdStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	profile := filepath.Join(t.TempDir(), "carrier.yml")
	if err := os.WriteFile(profile, []byte(testProfile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	cfg := &config.Config{
		Log:            config.LogConfig{Level: "warn", Format: "text", Backend: "slog"},
		CarrierProfile: profile,
		TickInterval:   10 * time.Millisecond,
		Transports:     []string{"wwan", "wlan"},
		SubID:          1,
	}
	modemCfg := modemsim.DefaultConfig()
	modemCfg.SetupLatency = 20 * time.Millisecond

	grpcLis := listenLocal(t)
	httpLis := listenLocal(t)
	opts := runOptions{
		GRPCListener: grpcLis,
		HTTPListener: httpLis,
		Modem:        &modemCfg,
		Registry:     prometheus.NewRegistry(),
	}

	log := logging.New(cfg.LoggingConfig())
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, opts)
	}()

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := debugapi.NewClient(conn)

	var state string
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(50 * time.Millisecond) {
		if state = defaultState(t, ctx, client); state == "CONNECTED" {
			break
		}
	}
	if state != "CONNECTED" {
		t.Fatalf("default context state = %q, want CONNECTED", state)
	}

	resp, err := http.Get("http://" + httpLis.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}

	var out bytes.Buffer
	if err := status(ctx, &out, &statusOptions{addr: grpcLis.Addr().String()}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "rmnet_data") {
		t.Fatalf("status output has no cellular interface:\n%s", out.String())
	}

	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.String(); !strings.HasPrefix(got, "pdpd dev") {
		t.Fatalf("version output = %q", got)
	}
}
