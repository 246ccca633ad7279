package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"grimm.is/umc/internal/acl"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/config"
	"grimm.is/umc/internal/module"
)

// RunCheck validates the configuration file and the module catalog it
// points at, writing a summary to out.
func RunCheck(out io.Writer, configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: %s check [-v] <config-file>", brand.BinaryName)
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	catalog, err := acl.LoadCatalog(cfg.ACL.Catalog)
	if err != nil {
		return fmt.Errorf("module catalog invalid: %w", err)
	}

	modules := catalog.Modules()
	fmt.Fprintf(out, "Configuration valid!\n")
	fmt.Fprintf(out, "Listen: %s\n", cfg.Server.Listen)
	fmt.Fprintf(out, "Session timeout: %s\n", cfg.Server.SessionTimeout)
	fmt.Fprintf(out, "Modules: %d\n", len(modules))

	var missing []string
	for _, m := range modules {
		if _, ok := module.Lookup(m.ID); !ok && cfg.Module.Command == "" {
			missing = append(missing, m.ID)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("catalog names modules this binary does not provide: %v", missing)
	}

	if verbose {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tNAME\tCOMMANDS")
		for _, m := range modules {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", m.ID, m.Name, len(m.Commands))
		}
		tw.Flush()
	}
	return nil
}
