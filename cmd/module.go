package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/umc/internal/i18n"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/module"
)

// RunModule serves one module on a unix socket. It is started by the
// server as "module [-l locale] -d level <socket> <module>".
func RunModule(args []string) error {
	fs := flag.NewFlagSet("module", flag.ContinueOnError)
	locale := fs.String("l", "", "Locale of the module process (e.g. de_DE.UTF-8)")
	debug := fs.Int("d", 2, "Debug level 0..4")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: module [-l locale] [-d level] <socket> <module>")
	}
	socket, name := fs.Arg(0), fs.Arg(1)

	lc := logging.DefaultConfig()
	lc.Level, _ = logging.ParseLevel(fmt.Sprint(*debug))
	logger := logging.New(lc).WithComponent(logging.CompModule).WithFields(map[string]any{"module": name})

	m, ok := module.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown module %q (available: %v)", name, module.Names())
	}

	// Messages follow the Accept-Language of each request; the process
	// locale only has to be valid.
	if *locale != "" {
		if _, ok := i18n.Supported(*locale); !ok {
			logger.Warn("Locale not available, using default", "locale", *locale)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Module process starting", "socket", socket, "pid", os.Getpid())
	return module.Serve(ctx, socket, module.NewServer(name, m, logger), logger)
}
