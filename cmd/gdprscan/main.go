package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	_, code := dispatchSubcommand(os.Args[1:])
	os.Exit(code)
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		printHelp()
		return true, 2
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return true, 0
	case "--help", "-h", "help":
		printHelp()
		return true, 0
	case "scan":
		return true, runCommand(runScanCommand, args[1:])
	case "serve":
		return true, runCommand(runServeCommand, args[1:])
	case "history":
		return true, runCommand(runHistoryCommand, args[1:])
	case "show":
		return true, runCommand(runShowCommand, args[1:])
	case "logs":
		return true, runCommand(runLogsCommand, args[1:])
	case "checks":
		return true, runCommand(runChecksCommand, args[1:])
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(os.Stderr, "Run 'gdprscan --help' for usage.")
		return true, exitUsage
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return exitCodeForError(err)
	}
	return 0
}

func printHelp() {
	fmt.Println("gdprscan - GDPR compliance checks for websites")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  gdprscan <command> [flags]")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  scan <url> [flags]               Scan a site and write a report")
	fmt.Println("      --format pdf|md|html|xlsx|json   Report format (default from config, pdf)")
	fmt.Println("      --out <path>                     Report file or directory (- for stdout)")
	fmt.Println("      --engine chromedp|static         Browser engine")
	fmt.Println("      --parallel                       One browser session per check")
	fmt.Println("      --no-store                       Do not record the scan in history")
	fmt.Println("      --strict                         Exit 3 when any check fails or errors")
	fmt.Println("  serve [--bind host:port]         Start the HTTP scan API")
	fmt.Println("  history [url|host] [--limit n]   List recorded scans, newest first")
	fmt.Println("  show <scan-id> [--format f]      Print or export a recorded scan")
	fmt.Println("  logs <scan-id> [-n count]        Print the event log of a scan")
	fmt.Println("  checks                           List built-in checks")
	fmt.Println("  version                          Print version information")
	fmt.Println()
	fmt.Println("GLOBAL FLAGS (per command):")
	fmt.Println("  --config <path>                  Load configuration from this file only")
	fmt.Println()
	fmt.Println("CONFIGURATION:")
	fmt.Println("  ~/.gdprscan/config.yaml          User configuration")
	fmt.Println("  ./.gdprscan/config.yaml          Project configuration (overrides user)")
	fmt.Println("  GDPRSCAN_* environment           Overrides both (see README)")
	fmt.Println()
	fmt.Println("EXIT CODES:")
	fmt.Println("  0 success, 1 runtime error, 2 invalid usage or configuration,")
	fmt.Println("  3 --strict scan with failing checks")
}

func printVersion() {
	fmt.Printf("gdprscan %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}
