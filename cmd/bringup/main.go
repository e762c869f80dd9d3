package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/bringup/internal/boot"
	"github.com/tinyrange/bringup/internal/config"
	"github.com/tinyrange/bringup/internal/firmware"
	"github.com/tinyrange/bringup/internal/timeslice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bringup: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Platform YAML file (default: built-in blackparrot)")
	harts := flag.Uint("harts", 0, "Override the hart count")
	policy := flag.String("policy", "", "Override the boot policy (lottery, designated, lowest)")
	bootHart := flag.Int("boot-hart", -1, "Override the designated boot hart")
	dtbPath := flag.String("dtb", "", "Write the hand-off device tree to this file")
	timingsPath := flag.String("timings", "", "Write per-hart step timings to this file")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective platform file and exit")
	timeout := flag.Duration("timeout", 10*time.Second, "Give up if bring-up takes longer than this")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bring up every hart of a RISC-V platform model and print what was published.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	p := config.Default()
	if *configPath != "" {
		var err error
		if p, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *harts != 0 {
		p.Harts = uint32(*harts)
	}
	if *policy != "" {
		p.Boot.Policy = *policy
	}
	if *bootHart >= 0 {
		p.Boot.Hart = uint32(*bootHart)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	if *dumpConfig {
		data, err := p.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	console := &bytes.Buffer{}
	var observers []boot.Observer

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) && !*debug {
		enabled := int(p.Harts) - len(p.DisabledHarts)
		bar = progressbar.NewOptions(enabled*4,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("bring-up"),
			progressbar.OptionClearOnFinish(),
		)
		observers = append(observers, boot.ObserverFunc(func(e boot.Event) {
			if e.Step == boot.StepWarmInit && e.Err == nil {
				bar.Add(1)
			}
		}))
	}

	var timings *timeslice.Writer
	if *timingsPath != "" {
		f, err := os.Create(*timingsPath)
		if err != nil {
			return fmt.Errorf("create timings file: %w", err)
		}
		defer f.Close()
		if timings, err = timeslice.Open(f, timeslice.StepKinds()); err != nil {
			return err
		}
		observers = append(observers, timeslice.NewStepObserver(timings))
	}

	opts := firmware.Options{Output: console, Observer: boot.Observers(observers...)}

	fw, err := firmware.New(p, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := fw.Boot(ctx)
	if bar != nil {
		bar.Finish()
	}
	if timings != nil {
		if err := timings.Close(); err != nil {
			return err
		}
	}
	printResults(os.Stdout, report)
	if err != nil {
		return err
	}

	pub := report.Published
	if err := banner(pub); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	fmt.Fprint(os.Stdout, ansi.Strip(console.String()))

	if *dtbPath != "" {
		if err := os.WriteFile(*dtbPath, pub.Handoff.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write dtb: %w", err)
		}
		slog.Info("wrote hand-off device tree", "path", *dtbPath)
	}
	return nil
}

func printResults(w io.Writer, report *firmware.Report) {
	if report == nil {
		return
	}
	for _, r := range report.Results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		fmt.Fprintf(w, "hart %-2d %-4s %s\n", r.Hart, r.Event, status)
	}
}

// banner prints the platform summary through the published console, the way
// firmware announces itself before handing off.
func banner(pub *boot.Published) error {
	d := pub.Descriptor
	var b strings.Builder
	fmt.Fprintf(&b, "Platform Name          : %s\n", d.Name)
	fmt.Fprintf(&b, "Platform Version       : %s\n", d.Version)
	fmt.Fprintf(&b, "Platform Features      : %s\n", d.Features)
	fmt.Fprintf(&b, "Platform HART Count    : %d\n", d.HartCount)
	fmt.Fprintf(&b, "Platform HART Stack    : %d bytes\n", d.HartStackSize)
	fmt.Fprintf(&b, "Platform Hand-off FDT  : %d bytes\n", len(pub.Handoff.Bytes()))

	for _, c := range []byte(b.String()) {
		if err := pub.Capabilities.Console.Putc(c); err != nil {
			return err
		}
	}
	return nil
}
