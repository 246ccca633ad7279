package cmd

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/directory"
)

// RunUser manages accounts in the user directory.
//
//	user add [-groups a,b] <name> <password>
//	user passwd <name> <password>
//	user expire <name>
//	user disable|enable <name>
func RunUser(configFile string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: user add|passwd|expire|disable|enable ...")
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	dir, err := directory.Open(cfg.Directory.Path, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("failed to open user directory: %w", err)
	}
	defer dir.Close()

	ctx := context.Background()
	sub, rest := args[0], args[1:]
	switch sub {
	case "add":
		fs := flag.NewFlagSet("user add", flag.ContinueOnError)
		groups := fs.String("groups", "", "Comma separated group names")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: user add [-groups a,b] <name> <password>")
		}
		var gs []string
		if *groups != "" {
			gs = strings.Split(*groups, ",")
		}
		return dir.AddUser(ctx, fs.Arg(0), fs.Arg(1), gs)
	case "passwd":
		if len(rest) != 2 {
			return fmt.Errorf("usage: user passwd <name> <password>")
		}
		return dir.SetPassword(ctx, rest[0], rest[1])
	case "expire":
		if len(rest) != 1 {
			return fmt.Errorf("usage: user expire <name>")
		}
		return dir.ExpirePassword(ctx, rest[0], time.Now())
	case "disable", "enable":
		if len(rest) != 1 {
			return fmt.Errorf("usage: user %s <name>", sub)
		}
		return dir.SetDisabled(ctx, rest[0], sub == "disable")
	}
	return fmt.Errorf("unknown user command %q", sub)
}
