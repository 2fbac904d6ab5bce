package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
	"github.com/ormasoftchile/sceneflow/pkg/profile"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

// openStore opens only the database named by the config.
func openStore(cmd *cobra.Command) (*store.SQLite, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return store.OpenSQLite(cfg.Path(cfg.DBPath))
}

// --- shared ---

var sharedCmd = &cobra.Command{
	Use:   "shared",
	Short: "Inspect and edit shared variables",
}

var sharedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shared variables",
	Args:  cobra.NoArgs,
	RunE: withShared(func(cmd *cobra.Command, s *vars.Shared, args []string) error {
		for _, key := range s.Keys() {
			e, _ := s.Entry(key)
			switch e.Kind {
			case vars.KindList:
				fmt.Printf("%s (list, %d)\n", key, len(e.Items()))
				for _, item := range e.Items() {
					fmt.Printf("  - %s\n", item)
				}
			default:
				fmt.Printf("%s = %s\n", key, e.Value)
			}
		}
		return nil
	}),
}

var sharedSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a shared string",
	Args:  cobra.ExactArgs(2),
	RunE: withShared(func(cmd *cobra.Command, s *vars.Shared, args []string) error {
		return s.Set(cmd.Context(), args[0], args[1])
	}),
}

var sharedFile string

var sharedSetListCmd = &cobra.Command{
	Use:   "set-list [key] [item...]",
	Short: "Replace a shared list with the given items (or --file lines)",
	Args:  cobra.MinimumNArgs(1),
	RunE: withShared(func(cmd *cobra.Command, s *vars.Shared, args []string) error {
		items := args[1:]
		if sharedFile != "" {
			data, err := os.ReadFile(sharedFile)
			if err != nil {
				return err
			}
			items = append(items, strings.Split(string(data), "\n")...)
		}
		if err := s.SetList(cmd.Context(), args[0], items); err != nil {
			return err
		}
		e, _ := s.Entry(args[0])
		fmt.Printf("%s: %d item(s)\n", args[0], len(e.Items()))
		return nil
	}),
}

var sharedPopCmd = &cobra.Command{
	Use:   "pop [key]",
	Short: "Remove and print the first item of a shared list",
	Args:  cobra.ExactArgs(1),
	RunE: withShared(func(cmd *cobra.Command, s *vars.Shared, args []string) error {
		head, remaining, err := s.Pop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(head)
		fmt.Fprintf(os.Stderr, "%d remaining\n", len(remaining))
		return nil
	}),
}

func withShared(fn func(*cobra.Command, *vars.Shared, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		s := vars.NewShared(db)
		if err := s.Load(cmd.Context()); err != nil {
			return err
		}
		return fn(cmd, s, args)
	}
}

// --- profiles ---

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage stored profiles",
}

var profilesTag string

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles, optionally only those matching --tag",
	Args:  cobra.NoArgs,
	RunE: withProfiles(func(cmd *cobra.Command, repo profile.Repository, args []string) error {
		all, err := repo.List(cmd.Context())
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("tag") {
			if all, err = profile.Select(all, profilesTag, 0); err != nil {
				return err
			}
		}
		for _, p := range all {
			line := fmt.Sprintf("%-24s %-12s", p.Name, p.Stage)
			if p.ProxyHost != "" {
				line += fmt.Sprintf("  proxy %s:%d", p.ProxyHost, p.ProxyPort)
			}
			fmt.Println(strings.TrimRight(line, " "))
		}
		return nil
	}),
}

var profilesImportCmd = &cobra.Command{
	Use:   "import [profiles.yaml]",
	Short: "Insert or replace profiles from a YAML or JSON list",
	Args:  cobra.ExactArgs(1),
	RunE: withProfiles(func(cmd *cobra.Command, repo profile.Repository, args []string) error {
		ps, err := profile.LoadFile(args[0])
		if err != nil {
			return err
		}
		for _, p := range ps {
			if err := repo.Put(cmd.Context(), p); err != nil {
				return fmt.Errorf("%s: %w", p.Name, err)
			}
		}
		fmt.Printf("imported %d profile(s)\n", len(ps))
		return nil
	}),
}

var profilesShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print one profile as YAML (proxy password masked)",
	Args:  cobra.ExactArgs(1),
	RunE: withProfiles(func(cmd *cobra.Command, repo profile.Repository, args []string) error {
		p, err := repo.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		m := p.Map()
		if p.ProxyPassword != "" {
			m["proxy_password"] = "***"
		}
		out, err := yaml.Marshal(m)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}),
}

var profilesStageCmd = &cobra.Command{
	Use:   "stage [name] [stage]",
	Short: "Set a profile's stage tag",
	Args:  cobra.ExactArgs(2),
	RunE: withProfiles(func(cmd *cobra.Command, repo profile.Repository, args []string) error {
		return repo.UpdateStage(cmd.Context(), args[0], args[1])
	}),
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: withProfiles(func(cmd *cobra.Command, repo profile.Repository, args []string) error {
		if _, err := repo.Get(cmd.Context(), args[0]); err != nil {
			return err
		}
		return repo.Delete(cmd.Context(), args[0])
	}),
}

func withProfiles(fn func(*cobra.Command, profile.Repository, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd, profile.NewSQLite(db.DB()), args)
	}
}

func init() {
	sharedSetListCmd.Flags().StringVar(&sharedFile, "file", "", "Read additional items from a file, one per line")
	sharedCmd.AddCommand(sharedListCmd, sharedSetCmd, sharedSetListCmd, sharedPopCmd)

	profilesListCmd.Flags().StringVar(&profilesTag, "tag", "", "Stage glob to filter by")
	profilesCmd.AddCommand(profilesListCmd, profilesImportCmd, profilesShowCmd, profilesStageCmd, profilesDeleteCmd)

	rootCmd.AddCommand(sharedCmd)
	rootCmd.AddCommand(profilesCmd)
}
