// ihvmctl is a host simulator: it plays the role of "the surrounding
// kernel" well enough to assemble a tiny textual program format,
// register handlers, inject synthetic interrupts, and observe the panic
// messages and host-bridge traffic the IHVM produces, without a real
// AArch64 kernel to embed it in.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cavern-os/ihvm/asm"
	"github.com/cavern-os/ihvm/config"
	"github.com/cavern-os/ihvm/debugsrv"
	"github.com/cavern-os/ihvm/hostbridge"
	"github.com/cavern-os/ihvm/isa"
	"github.com/cavern-os/ihvm/log"
	"github.com/cavern-os/ihvm/metrics"
	"github.com/cavern-os/ihvm/verify"
	"github.com/cavern-os/ihvm/vm"
)

var (
	Version = "dev"
	Commit  = "none"
)

// buildBridge constructs the simulated bridge every register/fire
// invocation runs against. When debugAddr is non-empty it also starts a
// debugsrv server listening on that address and wraps the bridge with
// hostbridge.Instrument, so a websocket viewer connected to that
// address's /ws endpoint sees this run's debug_log frames and metrics.MessagesSent
// gets incremented for every successful send. The returned close func
// shuts the viewer's listener down; call it whether or not debugAddr was
// set.
func buildBridge(driverPID uint32, debugAddr string) (hostbridge.Bridge, *hostbridge.Simulated, func() error, error) {
	sim := hostbridge.NewSimulated()
	sim.Attach(driverPID, 16)
	if debugAddr == "" {
		return sim, sim, func() error { return nil }, nil
	}

	srv := debugsrv.New(debugAddr)
	if err := srv.Start(); err != nil {
		return nil, nil, nil, err
	}
	fmt.Printf("streaming debug frames to viewers at %s (ws endpoint: /ws)\n", debugAddr)
	return hostbridge.Instrument(sim, srv), sim, srv.Close, nil
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ihvmctl",
		Short: "Interrupt Handler Virtual Machine host simulator",
		Long: `ihvmctl assembles, verifies, and runs IHVM programs against a small
in-process simulation of the surrounding kernel: interrupt vectors,
driver region bindings, and message queues.`,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		logLevel     string
		debugModules string
		configPath   string
	)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&debugModules, "debug-modules", "verify,engine,vm,hostbridge,config", "comma-separated modules to log")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "boot-time JSON configuration document (spec.md §6); flags override its fields")

	var maxCycles uint64
	rootCmd.PersistentFlags().Uint64Var(&maxCycles, "max-ihvm-cycles", 100_000, "cycle budget for verification and execution")

	cobra.OnInitialize(func() {
		if configPath != "" {
			f, err := os.Open(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			cfg, err := config.Load(f)
			f.Close()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if !rootCmd.PersistentFlags().Changed("max-ihvm-cycles") {
				maxCycles = cfg.MaxIHVMCycles
			}
			if !rootCmd.PersistentFlags().Changed("log-level") && cfg.LogLevel != "" {
				logLevel = cfg.LogLevel
			}
			if !rootCmd.PersistentFlags().Changed("debug-modules") && cfg.DebugModules != "" {
				debugModules = cfg.DebugModules
			}
		}

		lvl, err := log.ParseLevel(logLevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		log.InitTextLogger(lvl)
		log.EnableModules(debugModules)
	})

	var assembleCmd = &cobra.Command{
		Use:   "assemble <input.ihasm> <output.bin>",
		Short: "Assemble a textual program into IHVM bytecode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			program, err := asm.Assemble(string(src))
			if err != nil {
				return err
			}
			return os.WriteFile(args[1], program, 0o644)
		},
	}

	var disassembleCmd = &cobra.Command{
		Use:   "disassemble <input.bin>",
		Short: "Print a decoded listing of an IHVM program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			listing, err := asm.Disassemble(program)
			if err != nil {
				return err
			}
			fmt.Print(listing)
			return nil
		},
	}

	var verifyCmd = &cobra.Command{
		Use:   "verify <input.bin>",
		Short: "Run the static verifier over a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			result, err := verify.Verify(program, verify.RegionShape{}, maxCycles)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d instructions, upper bound %d cycles\n", len(result.Boundaries), result.UpperBound)
			return nil
		},
	}

	var (
		vector    uint32
		driverPID uint32
		debugAddr string
	)
	var registerCmd = &cobra.Command{
		Use:   "register <input.bin>",
		Short: "Verify and register a handler for an interrupt vector (this process only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			bridge, _, closeDebug, err := buildBridge(driverPID, debugAddr)
			if err != nil {
				return err
			}
			defer closeDebug()
			reg := vm.NewRegistry(bridge, nil, maxCycles)
			reg.EnableDebugFrames(debugAddr != "")
			id, err := reg.Register(vector, driverPID, program, [8]vm.RegionBinding{})
			if err != nil {
				return err
			}
			fmt.Printf("registered handler %d for vector %d\n", id, vector)
			return nil
		},
	}
	registerCmd.Flags().Uint32Var(&vector, "vector", 0, "interrupt vector")
	registerCmd.Flags().Uint32Var(&driverPID, "pid", 1, "owning driver pid")
	registerCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "if set, serve debug_log frames on this address for a websocket viewer (endpoint /ws)")

	var (
		fireInterrupt uint32
		fireSource    uint32
		fireTick      uint64
		fireTag       uint32
		fireDebugAddr string
	)
	var fireCmd = &cobra.Command{
		Use:   "fire <input.bin>",
		Short: "Register a program and inject one synthetic interrupt at it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			bridge, sim, closeDebug, err := buildBridge(driverPID, fireDebugAddr)
			if err != nil {
				return err
			}
			defer closeDebug()
			sim.SetMetadata(hostbridge.InterruptMetadata{
				InterruptNumber: fireInterrupt,
				SourceID:        fireSource,
				Tick:            fireTick,
				HandlerTag:      fireTag,
			})
			reg := vm.NewRegistry(bridge, nil, maxCycles)
			reg.EnableDebugFrames(fireDebugAddr != "")
			id, err := reg.Register(fireInterrupt, driverPID, program, [8]vm.RegionBinding{})
			if err != nil {
				return err
			}
			results := reg.Fire(fireInterrupt)
			for _, r := range results {
				fmt.Printf("handler %d: %s", r.HandlerID, r.State)
				if r.State.String() == "panicked" {
					fmt.Printf(" (code=0x%016x)", uint64(r.PanicCode))
				}
				fmt.Println()
			}
			_ = id
			return nil
		},
	}
	fireCmd.Flags().Uint32Var(&fireInterrupt, "vector", 0, "interrupt vector")
	fireCmd.Flags().Uint32Var(&driverPID, "pid", 1, "owning driver pid")
	fireCmd.Flags().Uint32Var(&fireSource, "source", 0, "interrupt source identifier (seeds A1)")
	fireCmd.Flags().Uint64Var(&fireTick, "tick", 0, "monotonic tick value (seeds A2)")
	fireCmd.Flags().Uint32Var(&fireTag, "tag", 0, "handler-identity tag (seeds A3)")
	fireCmd.Flags().StringVar(&fireDebugAddr, "debug-addr", "", "if set, serve debug_log frames on this address for a websocket viewer (endpoint /ws)")

	var serveAddr string
	var debugServeCmd = &cobra.Command{
		Use:   "debug-serve",
		Short: "Start a websocket server for debug_log frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := debugsrv.New(serveAddr)
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Printf("debug frame viewer listening on %s (ws endpoint: /ws)\n", serveAddr)
			select {}
		},
	}
	debugServeCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8090", "listen address")

	var metricsAddr string
	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Expose the Prometheus /metrics endpoint",
		Long: `serve starts a bare HTTP listener exporting the counters and
histograms defined in the metrics package. It does not itself run any
VMs; pair it with a long-lived process that shares the same metrics
registry (a real kernel embedding, not this single-shot CLI) to get
non-empty series in practice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := metrics.Registry()
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			fmt.Printf("metrics listening on %s (endpoint: /metrics)\n", metricsAddr)
			return http.ListenAndServe(metricsAddr, mux)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "addr", "127.0.0.1:8091", "listen address")

	var abiCmd = &cobra.Command{
		Use:   "abi",
		Short: "Print the frozen opcode ABI table as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			type entry struct {
				Opcode  int    `json:"opcode"`
				Mnemonic string `json:"mnemonic"`
			}
			var entries []entry
			for op := isa.OpNop; op.String() != "invalid"; op++ {
				entries = append(entries, entry{Opcode: int(op), Mnemonic: op.String()})
				if op == isa.OpPanic {
					break
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}

	rootCmd.AddCommand(assembleCmd, disassembleCmd, verifyCmd, registerCmd, fireCmd, debugServeCmd, serveCmd, abiCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
