package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/YujinSharp/meshvpn/tun"
	"github.com/YujinSharp/meshvpn/types"
	"github.com/YujinSharp/meshvpn/vpn"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "meshvpnd",
		Short: "Peer-to-peer overlay VPN daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("virtual_subnet", "10.0.0.0", "base address of the shared overlay subnet")
	flags.String("subnet_mask", "255.255.255.0", "subnet mask as a dotted quad")
	flags.Int("default_mtu", 1500, "upper bound on the negotiated TUN MTU")
	flags.String("tun_device_name", "meshvpn0", "preferred virtual NIC name hint")
	flags.String("app_secret_salt", "meshvpn_secret_salt_v1", "salt mixed into node ID derivation")
	flags.Int("probe_timeout_ms", 500, "probe window length during negotiation")
	flags.Int("heartbeat_interval_ms", 60000, "liveness beacon period")
	flags.Int("heartbeat_expiry_ms", 180000, "staleness threshold for conflict responders")
	flags.Int("lease_expiry_ms", 360000, "eviction threshold for silent peers")
	flags.Int("node_id_size", 32, "node ID size in bytes (fixed)")
	flags.String("display_name", "", "name shown to other session members (default: hostname)")
	flags.Int("mesh_port", 12414, "TCP/multicast port for the LAN mesh transport")
	flags.String("http_addr", "127.0.0.1:7070", "control surface listen address")
	flags.Bool("autostart", true, "start the VPN as soon as the daemon is up")
	flags.Bool("debug", false, "verbose logging")

	v.BindPFlags(flags)
	v.SetEnvPrefix("MESHVPN")
	v.AutomaticEnv()
	return cmd
}

func run(v *viper.Viper) error {
	logger, err := buildLogger(v.GetBool("debug"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	if size := v.GetInt("node_id_size"); size != 32 {
		return fmt.Errorf("node_id_size is fixed at 32, got %d", size)
	}

	name := v.GetString("display_name")
	if name == "" {
		name, _ = os.Hostname()
	}

	transport, err := newMesh(logger.Named("mesh"), name, v.GetInt("mesh_port"))
	if err != nil {
		return err
	}
	if err := transport.start(); err != nil {
		return err
	}
	defer transport.close()

	openDevice := func(nameHint string, mtu int) (types.Device, error) {
		return tun.Open(nameHint, mtu)
	}
	bridge := vpn.New(transport, openDevice, logger,
		vpn.WithSalt(v.GetString("app_secret_salt")),
		vpn.WithDeviceName(v.GetString("tun_device_name")),
		vpn.WithDefaultMTU(v.GetInt("default_mtu")),
		vpn.WithProbeTimeout(time.Duration(v.GetInt("probe_timeout_ms"))*time.Millisecond),
		vpn.WithHeartbeatInterval(time.Duration(v.GetInt("heartbeat_interval_ms"))*time.Millisecond),
		vpn.WithHeartbeatExpiry(time.Duration(v.GetInt("heartbeat_expiry_ms"))*time.Millisecond),
		vpn.WithLeaseExpiry(time.Duration(v.GetInt("lease_expiry_ms"))*time.Millisecond),
	)
	transport.onJoined = bridge.PeerJoined
	transport.onLeft = bridge.PeerLeft

	subnet := v.GetString("virtual_subnet")
	mask := v.GetString("subnet_mask")
	control := &controlServer{bridge: bridge, subnet: subnet, mask: mask}
	httpAddr := v.GetString("http_addr")
	go func() {
		logger.Info("control surface listening", zap.String("addr", httpAddr))
		if err := http.ListenAndServe(httpAddr, control.routes()); err != nil {
			logger.Error("control surface failed", zap.Error(err))
		}
	}()

	if v.GetBool("autostart") {
		if err := bridge.Start(subnet, mask); err != nil {
			return err
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info("shutting down")
	bridge.Stop()
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
