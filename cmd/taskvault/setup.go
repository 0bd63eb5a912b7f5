package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/taskvault/internal/agent/command"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

const defaultHandbook = `# Company Handbook

Rules the agent follows when working on a plan.

- Never pay an invoice, send an email or delete data without approval.
- Flag any payment over $500 as sensitive.
- Be polite in every reply.
`

var initCmd = &cobra.Command{
	Use:   "init [root]",
	Short: "Create the vault folders, a default config and the policy file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [root]",
	Short: "Check the vault layout, configuration and store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveRoot(args)
		if err != nil {
			return err
		}
		if !verifyVault(root, resolveConfig(root), os.Stdout) {
			return errors.New("verification failed")
		}
		return nil
	},
}

var detectAgent bool

func init() {
	initCmd.Flags().BoolVar(&detectAgent, "detect-agent", false, "Configure the first agent CLI found on this machine")
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}

	path := resolveConfig(root)
	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if cfg, err = config.LoadConfig(path); err != nil {
			return err
		}
		fmt.Printf("Using existing config %s\n", path)
	} else {
		if detectAgent {
			found := command.NewDetector().Scan()
			for _, c := range found {
				fmt.Printf("Found %s at %s %s\n", c.Name, c.Path, c.Version)
			}
			if len(found) > 0 {
				cfg.Agent = found[0].Config(cfg.Agent)
				fmt.Printf("Using %s as the agent\n", found[0].Name)
			} else {
				fmt.Println("No agent CLI found, keeping the built-in rules agent")
			}
		}
		if err := config.SaveConfig(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote config %s\n", path)
	}

	v := vault.New(root)
	if err := v.EnsureLayout(cfg.SourcePaths(root)...); err != nil {
		return err
	}
	fmt.Printf("Created vault folders under %s\n", root)

	if policy := cfg.PolicyPath(root); policy != "" {
		if _, err := os.Stat(policy); os.IsNotExist(err) {
			if err := os.WriteFile(policy, []byte(defaultHandbook), 0o644); err != nil {
				return fmt.Errorf("write policy file: %w", err)
			}
			fmt.Printf("Wrote policy %s\n", policy)
		}
	}

	s, err := store.New(config.DBPath(root))
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("\nDrop files into %s and run 'taskvault run %s'\n", cfg.SourcePaths(root)[0], root)
	return nil
}

// verifyVault prints one line per check and reports whether all passed.
func verifyVault(root, cfgPath string, out io.Writer) bool {
	ok := true
	check := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Fprintf(out, "  [FAIL] %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "  [OK] %s\n", name)
	}

	fmt.Fprintln(out, "Configuration:")
	cfg, err := config.LoadConfig(cfgPath)
	check(cfgPath, err)
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	fmt.Fprintln(out, "Folders:")
	v := vault.New(root)
	missing := map[string]bool{}
	for _, name := range v.MissingFolders() {
		missing[name] = true
	}
	names := []string{vault.LogsFolder}
	for _, st := range models.AllStates {
		names = append(names, vault.Folder(st))
	}
	for _, name := range names {
		var err error
		if missing[name] {
			err = errors.New("missing")
		}
		check(name+"/", err)
	}
	for _, src := range cfg.SourcePaths(root) {
		info, err := os.Stat(src)
		if err == nil && !info.IsDir() {
			err = errors.New("not a directory")
		}
		check("source "+src, err)
	}

	fmt.Fprintln(out, "Files:")
	if policy := cfg.PolicyPath(root); policy != "" {
		_, err := os.Stat(policy)
		check(filepath.Base(policy), err)
	}

	fmt.Fprintln(out, "Agent:")
	if cfg.Agent.Type == "command" {
		st := command.New(cfg.Agent, root).Probe()
		var err error
		if !st.Available {
			err = errors.New(st.Detail)
		}
		check(st.Name, err)
	} else {
		check(cfg.Agent.Type, nil)
	}

	fmt.Fprintln(out, "Store:")
	dbPath := config.DBPath(root)
	if _, err := os.Stat(dbPath); err != nil {
		check(dbPath, err)
		return false
	}
	s, err := store.New(dbPath)
	if err != nil {
		check(dbPath, err)
		return false
	}
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	check(dbPath, s.Ping(ctx))
	return ok
}
