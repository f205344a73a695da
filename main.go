// main.go - BrickEngine entry point and command line interface

/*
BrickEngine boots a BE32 core behind a small set of subcommands. The run
command is the main path: it loads a brick image, wires the console and
framebuffer, then drives the machine tick loop until the guest halts,
faults, or asks for a shutdown over SBI. Everything else is tooling
around that loop: an assembler, a disassembler, a header inspector, a
snapshot manager, and an IPC client for poking a live instance from
another terminal.

(c) 2024 - 2026 Zayn Otley

https://github.com/IntuitionAmiga/BrickEngine

License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

const IDLE_POLL_INTERVAL = 2 * time.Millisecond

func boilerPlate() {
	fmt.Println("BrickEngine - BE32 Virtual Machine")
	fmt.Println("(c) 2024 - 2026 Zayn Otley")
	fmt.Println("https://github.com/IntuitionAmiga/BrickEngine")
	fmt.Println("License: GPLv3 or later")
	fmt.Println()
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "brickengine",
		Short:         "BrickEngine BE32 virtual machine",
		Long:          "BrickEngine runs brick program images on an emulated BE32 core with a memory mapped console and framebuffer.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newAsmCmd())
	rootCmd.AddCommand(newDisCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newSnapCmd())
	rootCmd.AddCommand(newIPCCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ----------------------------------------------------------------------------
// run
// ----------------------------------------------------------------------------

type runOptions struct {
	logLevel    string
	maxCycles   uint64
	tickBudget  uint64
	fbWidth     int
	fbHeight    int
	interactive bool
	monitor     bool
	ipc         bool
	snapshotDB  string
	dumpFB      string
	quiet       bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run <image.brick>",
		Short: "Load a brick image and run it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error, crit)")
	cmd.Flags().Uint64Var(&opts.maxCycles, "max-cycles", 0, "stop after this many cycles (0 = unlimited)")
	cmd.Flags().Uint64Var(&opts.tickBudget, "tick-budget", DEFAULT_TICK_BUDGET, "instructions per scheduler tick")
	cmd.Flags().IntVar(&opts.fbWidth, "fb-width", FB_DEFAULT_WIDTH, "framebuffer width in pixels")
	cmd.Flags().IntVar(&opts.fbHeight, "fb-height", FB_DEFAULT_HEIGHT, "framebuffer height in pixels")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "attach the host terminal to the guest console")
	cmd.Flags().BoolVarP(&opts.monitor, "monitor", "m", false, "drop into the machine monitor instead of free running")
	cmd.Flags().BoolVar(&opts.ipc, "ipc", false, "listen for IPC commands on the control socket")
	cmd.Flags().StringVar(&opts.snapshotDB, "snapshot-db", "", "snapshot database path (enables snapshot monitor commands)")
	cmd.Flags().StringVar(&opts.dumpFB, "dump-fb", "", "write the framebuffer to this BMP file when the run ends")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress the startup banner")
	return cmd
}

func runImage(path string, opts runOptions) error {
	if err := initLogger(opts.logLevel); err != nil {
		return err
	}
	if !opts.quiet {
		boilerPlate()
	}

	cfg := DefaultMachineConfig()
	cfg.FBWidth = opts.fbWidth
	cfg.FBHeight = opts.fbHeight
	cfg.TickBudget = opts.tickBudget
	machine, err := NewMachine(cfg)
	if err != nil {
		return err
	}

	if err := machine.LoadBrickFile(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	var store *SnapshotStore
	if opts.snapshotDB != "" {
		store, err = OpenSnapshotStore(opts.snapshotDB)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if opts.ipc {
		server, err := NewIPCServer(machine)
		if err != nil {
			return err
		}
		server.Start()
		defer server.Stop()
		slog.Info("IPC server listening", "socket", server.SocketPath())
	}

	if opts.monitor {
		monitor := NewDebugMonitor(machine, store)
		return monitor.Run()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		slog.Info("interrupt received, stopping")
		machine.RequestStop()
	}()

	var runErr error
	if opts.interactive {
		runErr = runInteractive(machine, opts.maxCycles)
	} else {
		runErr = runBatch(machine, opts.maxCycles)
	}

	// Dump even after a fault. A post mortem picture of the framebuffer
	// is most useful exactly then.
	if opts.dumpFB != "" {
		if err := machine.fb.WriteBMPFile(opts.dumpFB); err != nil {
			slog.Error("framebuffer dump failed", "path", opts.dumpFB, "error", err)
		} else {
			slog.Info("framebuffer written", "path", opts.dumpFB)
		}
	}
	return runErr
}

// runBatch drives the machine without a host terminal. Guest console
// output is drained to stdout after every tick.
func runBatch(m *Machine, maxCycles uint64) error {
	var executed uint64
	for {
		n := m.Tick(0)
		executed += n
		drainConsole(m)
		if done, err := machineDone(m, executed, maxCycles); done {
			return err
		}
		if n == 0 {
			// Nothing retired this tick: the guest is idle waiting on
			// input that batch mode will never deliver.
			time.Sleep(IDLE_POLL_INTERVAL)
		}
	}
}

// runInteractive puts the host terminal in raw mode and feeds keystrokes
// to the guest console. Raw mode swallows SIGINT, so Ctrl+C is caught as
// a byte by the host and turned into a stop request instead of being
// delivered to the guest.
func runInteractive(m *Machine, maxCycles uint64) error {
	host := NewConsoleHost(m.Console())
	host.OnInterrupt(func() {
		m.RequestStop()
	})
	if err := host.Start(); err != nil {
		return fmt.Errorf("attaching host terminal: %w", err)
	}
	defer host.Stop()

	var executed uint64
	for {
		n := m.Tick(0)
		executed += n
		host.PrintOutput()
		if done, err := machineDone(m, executed, maxCycles); done {
			return err
		}
		if n == 0 {
			time.Sleep(IDLE_POLL_INTERVAL)
		}
	}
}

// machineDone reports whether the run loop should exit, and with what
// error. A guest halt is a clean exit; a fault is not.
func machineDone(m *Machine, executed, maxCycles uint64) (bool, error) {
	if fault := m.CPUFault(); fault != nil {
		slog.Error("core faulted", "fault", fault)
		return true, fault
	}
	if m.Halted() {
		slog.Info("core halted", "cycles", m.Cycles())
		return true, nil
	}
	if m.Stopped() {
		slog.Info("run stopped", "cycles", m.Cycles())
		return true, nil
	}
	if maxCycles > 0 && executed >= maxCycles {
		slog.Warn("cycle limit reached", "limit", maxCycles, "cycles", m.Cycles())
		return true, nil
	}
	return false, nil
}

func drainConsole(m *Machine) {
	out := m.Console().DrainOutput()
	if len(out) > 0 {
		os.Stdout.Write(out)
	}
}

// ----------------------------------------------------------------------------
// asm / dis / info
// ----------------------------------------------------------------------------

func newAsmCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "asm <source.basm>",
		Short: "Assemble a source file into a brick image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			asm := NewBrickAssembler()
			image, err := asm.Assemble(string(src))
			if err != nil {
				return err
			}
			if output == "" {
				base := strings.TrimSuffix(args[0], filepath.Ext(args[0]))
				output = base + ".brick"
			}
			if err := os.WriteFile(output, image, 0644); err != nil {
				return err
			}
			header, _, err := ParseBrick(image)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d instructions, entry $%08X, %d bytes\n",
				output, header.InstrCount, uint32(header.EntryPoint), len(image))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: source name with .brick)")
	return cmd
}

func newDisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dis <image.brick>",
		Short: "Disassemble a brick image to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			header, instr, err := ParseBrick(data)
			if err != nil {
				return err
			}
			readWord := func(addr uint32) (uint32, bool) {
				if addr%INSTRUCTION_SIZE != 0 || int(addr)+INSTRUCTION_SIZE > len(instr) {
					return 0, false
				}
				return binary.LittleEndian.Uint32(instr[addr:]), true
			}
			lines := disassembleBE32(readWord, 0, len(instr)/INSTRUCTION_SIZE, uint32(header.EntryPoint))
			for _, line := range lines {
				marker := "  "
				if line.IsPC {
					marker = "> "
				}
				fmt.Printf("%s$%08X  %s  %s\n", marker, line.Address, line.HexBytes, line.Mnemonic)
			}
			return nil
		},
	}
	return cmd
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <image.brick>",
		Short: "Print the header of a brick image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			header, instr, err := ParseBrick(data)
			if err != nil {
				return err
			}
			meta := header.MetadataString()
			fmt.Printf("File:         %s\n", args[0])
			fmt.Printf("Version:      %d\n", header.Version)
			fmt.Printf("Created:      %s\n", time.Unix(int64(header.Timestamp), 0).UTC().Format(time.RFC3339))
			fmt.Printf("Instructions: %d (%d bytes)\n", header.InstrCount, len(instr))
			fmt.Printf("Entry point:  $%08X\n", uint32(header.EntryPoint))
			fmt.Printf("Checksum:     $%08X (ok)\n", uint32(header.Checksum))
			if meta != "" {
				fmt.Printf("Metadata:     %q\n", meta)
			}
			return nil
		},
	}
	return cmd
}

// ----------------------------------------------------------------------------
// snap
// ----------------------------------------------------------------------------

func newSnapCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "snap",
		Short: "Manage machine snapshots",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "brickengine_snapshots.db", "snapshot database path")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenSnapshotStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			infos, err := store.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No snapshots.")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%-14s %s  pc=$%08X  cycles=%d  %q\n",
					info.ID, time.Unix(info.TakenAt, 0).Format("2006-01-02 15:04:05"),
					info.PC, info.Cycles, info.Label)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored snapshot in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenSnapshotStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			snap, err := store.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID:          %s\n", args[0])
			if snap.Label != "" {
				fmt.Printf("Label:       %q\n", snap.Label)
			}
			fmt.Printf("Taken:       %s\n", time.Unix(snap.TakenAt, 0).UTC().Format(time.RFC3339))
			fmt.Printf("PC:          $%08X\n", snap.PC)
			fmt.Printf("SP:          $%08X\n", snap.Regs[REG_SP])
			fmt.Printf("Cycles:      %d\n", snap.Cycles)
			fmt.Printf("Halted:      %v\n", snap.Halted)
			fmt.Printf("Program:     %d bytes\n", len(snap.Program))
			fmt.Printf("Data:        %d bytes\n", len(snap.Data))
			fmt.Printf("Console:     %d bytes\n", len(snap.Console))
			fmt.Printf("Framebuffer: %d bytes\n", len(snap.Framebuffer))
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a snapshot",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenSnapshotStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted", args[0])
			return nil
		},
	}

	var fbWidth, fbHeight int
	fbCmd := &cobra.Command{
		Use:   "fb <id> <out.bmp>",
		Short: "Export a snapshot's framebuffer as a BMP image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenSnapshotStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			snap, err := store.Load(args[0])
			if err != nil {
				return err
			}
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := EncodeRawBMP(f, snap.Framebuffer, fbWidth, fbHeight); err != nil {
				return err
			}
			fmt.Printf("Wrote %dx%d framebuffer to %s\n", fbWidth, fbHeight, args[1])
			return nil
		},
	}
	fbCmd.Flags().IntVar(&fbWidth, "width", FB_DEFAULT_WIDTH, "framebuffer width in pixels")
	fbCmd.Flags().IntVar(&fbHeight, "height", FB_DEFAULT_HEIGHT, "framebuffer height in pixels")

	cmd.AddCommand(listCmd)
	cmd.AddCommand(showCmd)
	cmd.AddCommand(rmCmd)
	cmd.AddCommand(fbCmd)
	return cmd
}

// ----------------------------------------------------------------------------
// ipc
// ----------------------------------------------------------------------------

func newIPCCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "ipc",
		Short: "Control a running instance over its IPC socket",
	}
	cmd.PersistentFlags().StringVar(&socket, "socket", "", "socket path (default: runtime dir)")

	resolveSocket := func() string {
		if socket != "" {
			return socket
		}
		return resolveSocketPath()
	}

	loadCmd := &cobra.Command{
		Use:   "load <image.brick>",
		Short: "Load a new brick image into the running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := SendIPCLoad(resolveSocket(), args[0]); err != nil {
				return err
			}
			fmt.Println("Image staged for load")
			return nil
		},
	}

	inputCmd := &cobra.Command{
		Use:   "input <text>",
		Short: "Queue text on the running instance's console input",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := SendIPCInput(resolveSocket(), strings.Join(args, " ")+"\n"); err != nil {
				return err
			}
			fmt.Println("Input queued")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report the running instance's core state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := SendIPCStatus(resolveSocket())
			if err != nil {
				return err
			}
			fmt.Printf("Image:      %s\n", state.Image)
			fmt.Printf("PC:         $%08X\n", state.PC)
			fmt.Printf("Cycles:     %d\n", state.Cycles)
			fmt.Printf("Halted:     %v\n", state.Halted)
			fmt.Printf("Stopped:    %v\n", state.Stopped)
			fmt.Printf("InvalidOps: %d\n", state.InvalidOps)
			fmt.Printf("TimerFires: %d\n", state.TimerFires)
			if state.Fault != "" {
				fmt.Printf("Fault:      %s\n", state.Fault)
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the running instance to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := SendIPCStop(resolveSocket()); err != nil {
				return err
			}
			fmt.Println("Stop requested")
			return nil
		},
	}

	cmd.AddCommand(loadCmd)
	cmd.AddCommand(inputCmd)
	cmd.AddCommand(statusCmd)
	cmd.AddCommand(stopCmd)
	return cmd
}
