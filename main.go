package main

import (
	"flag"
	"os"

	"grimm.is/umc/cmd"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "server":
		serverFlags := flag.NewFlagSet("server", flag.ExitOnError)
		configFile := serverFlags.String("config", brand.GetConfigPath(), "Configuration file")
		serverFlags.StringVar(configFile, "c", brand.GetConfigPath(), "Configuration file (short)")
		inProcess := serverFlags.Bool("inprocess", false, "Serve modules in-process (development only)")
		serverFlags.Parse(os.Args[2:])

		if err := cmd.RunServer(cmd.ServerOptions{ConfigFile: *configFile, InProcess: *inProcess}); err != nil {
			printer.Fprintf(os.Stderr, "Server failed: %v\n", err)
			os.Exit(1)
		}

	case "module":
		// Internal: module process spawned by the server
		if err := cmd.RunModule(os.Args[2:]); err != nil {
			printer.Fprintf(os.Stderr, "Module failed: %v\n", err)
			os.Exit(1)
		}

	case "user":
		userFlags := flag.NewFlagSet("user", flag.ExitOnError)
		configFile := userFlags.String("config", brand.GetConfigPath(), "Configuration file")
		userFlags.Parse(os.Args[2:])

		if err := cmd.RunUser(*configFile, userFlags.Args()); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.GetConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(os.Stdout, configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Build: %s (%s)\n", brand.BuildTime, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf("Usage: %s <command> [options]\n", brand.BinaryName)
	printer.Println()
	printer.Println("Commands:")
	printer.Println("  server [-c file] [-inprocess]   Run the console server")
	printer.Println("  user add|passwd|expire|disable|enable ...")
	printer.Println("                                  Manage directory accounts")
	printer.Println("  check [-v] [file]               Validate configuration and module catalog")
	printer.Println("  version                         Print version information")
}
