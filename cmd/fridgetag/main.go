// Package main provides the fridgetag command-line parser.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-fridgetag/internal/config"
	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/parser"
	"github.com/resident-x/go-fridgetag/internal/report"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	switch args[0] {
	case "parse":
		return runParse(args[1:], stdout, stderr)
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "fridgetag %s\n", Version)
		return 0
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Command-line tool for parsing Berlinger Fridge-tag TXT exports.

Usage:
  fridgetag parse [flags] FILE    parse an export and print the report
  fridgetag version               print the version

Run "fridgetag parse -h" for the parse flags.
`)
}

func runParse(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("parse", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "Enable debug logging and keep debug warnings")
	permissive := fs.Bool("permissive", false, "Re-sort out-of-order history records instead of failing")
	formatName := fs.String("format", "json", "Output format: json, yaml or xlsx")
	output := fs.String("output", "", "Write the report to this file instead of stdout")
	raw := fs.Bool("raw", false, "Print the raw aggregate as JSON instead of the report")
	configFile := fs.String("config", "", "Optional configuration file (parser bounds)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: parse requires exactly one FILE argument")
		return 2
	}
	format, err := report.ParseFormat(*formatName)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	initLogger(*debug, stderr)
	path := fs.Arg(0)

	if err := validateFilePath(path); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(stderr, "Error: failed to load configuration: %v\n", err)
			return 1
		}
	}

	p, err := parser.NewParser(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize parser: %v\n", err)
		return 1
	}

	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	log.Info().Str("file", path).Msg("Starting parsing")

	res, parseErr := p.Parse(context.Background(), content, parser.Options{Debug: *debug, Permissive: *permissive})

	if *raw && res != nil && res.Raw != nil {
		if err := writeOutput(*output, stdout, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Raw)
		}); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if parseErr != nil {
		printError(stderr, parseErr)
		return 1
	}

	if !*raw {
		if err := writeOutput(*output, stdout, func(w io.Writer) error {
			return res.Report.Write(w, format)
		}); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	log.Info().
		Str("serial", res.Report.SerialNumber).
		Str("model", res.Report.DeviceModel).
		Int("history_records", len(res.Report.HistoryRecords)).
		Int("alarms", len(res.Report.Alarms)).
		Bool("certificate_valid", res.CertificateValid).
		Int("warnings", len(res.Warnings)).
		Msg("Parsing complete")

	return 0
}

// validateFilePath checks that path names an existing, readable regular file.
func validateFilePath(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file path '%s' does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("file path '%s' cannot be accessed: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("file path '%s' is not a file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file path '%s' is not readable", path)
	}
	return f.Close()
}

// writeOutput runs write against the named file, or stdout when name is empty.
func writeOutput(name string, stdout io.Writer, write func(io.Writer) error) error {
	if name == "" {
		return write(stdout)
	}

	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// printError prints the error kind and its position in the export.
func printError(w io.Writer, err error) {
	var perr *domain.ParseError
	if !errors.As(err, &perr) {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "Error: %s\n", perr.Kind)
	if perr.Message != "" {
		fmt.Fprintf(w, "  message: %s\n", perr.Message)
	}
	if perr.Section != "" {
		fmt.Fprintf(w, "  section: %s\n", perr.Section)
	}
	if perr.Index >= 0 {
		fmt.Fprintf(w, "  index:   %d\n", perr.Index)
	}
	if perr.Line > 0 {
		fmt.Fprintf(w, "  line:    %d\n", perr.Line)
	}
	if perr.Field != "" {
		fmt.Fprintf(w, "  field:   %s\n", perr.Field)
	}
	for _, v := range perr.Violations {
		fmt.Fprintf(w, "  - %s\n", v)
	}
}

// initLogger configures the global zerolog logger.
func initLogger(debug bool, w io.Writer) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}
