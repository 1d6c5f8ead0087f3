package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zboralski/detour/internal/config"
	glog "github.com/zboralski/detour/internal/log"
)

var (
	verbose      bool
	configPath   string
	pc           uint64
	symbolFilter string
	cfg          *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "detour",
		Short: "Inline function hooking for x86-64",
		Long: `Detour installs inline hooks on x86-64 functions and tears them down
again when the module owning the detour is unloaded.

The commands run against an emulated process built on Unicorn Engine, so
prologues can be relocated and hooks exercised without touching a live
process.

Examples:
  detour decode 554889e5                 # Decode bytes as x86-64
  detour trampoline 554889e54883ec20     # Show the relocated prologue
  detour info ./libfoo.so                # Show ELF layout and symbols
  detour demo -v                         # Hook, dispatch and unload a module`,
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		PersistentPreRunE:     setup,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	decodeCmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode x86-64 instructions",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode,
	}
	decodeCmd.Flags().Uint64Var(&pc, "pc", 0x140001000, "address of the first byte")

	trampCmd := &cobra.Command{
		Use:   "trampoline <hex>",
		Short: "Build a trampoline for a function prologue",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrampoline,
	}
	trampCmd.Flags().Uint64Var(&pc, "pc", 0x140001000, "address of the function")

	infoCmd := &cobra.Command{
		Use:   "info <binary.so>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	infoCmd.Flags().StringVarP(&symbolFilter, "filter", "f", "", "only symbols containing this substring")

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Hook a host function from a module and unload it",
		Args:  cobra.NoArgs,
		RunE:  runDemo,
	}

	rootCmd.AddCommand(decodeCmd, trampCmd, infoCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = c
	glog.Init(verbose || cfg.Log.Debug)
	return nil
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 256),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) { w.ch <- line }

func (w *outputWriter) Writef(format string, args ...any) {
	w.Write(fmt.Sprintf(format, args...))
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}
