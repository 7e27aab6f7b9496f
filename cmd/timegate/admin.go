package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/timegate/config"
	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/exclusion"
	"github.com/mohammad-safakhou/timegate/internal/runtime"
)

func tokenCMD() *cobra.Command {
	var ttl time.Duration
	var token = &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a loader access token signed with loader.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			tok, err := runtime.SignJWT(args[0], []byte(cfg.Loader.JWTSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return token
}

func exclusionCMD() *cobra.Command {
	var ex = &cobra.Command{
		Use:   "exclusion",
		Short: "Manage runtime exclusion rules",
	}

	withStore := func(fn func(cmd *cobra.Command, s *exclusion.SQLStore, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Exclusion.DSN == "" {
				return fmt.Errorf("exclusion.dsn not configured")
			}
			s, err := exclusion.OpenSQL(cmd.Context(), cfg.Exclusion.Driver, cfg.Exclusion.DSN)
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(cmd, s, args)
		}
	}

	ex.AddCommand(&cobra.Command{
		Use:   "add <kind:pattern>...",
		Short: "Add rules, e.g. prefix:http://example.org/private/ or domain:example.com",
		Args:  cobra.MinimumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *exclusion.SQLStore, args []string) error {
			for _, a := range args {
				r, err := exclusion.ParseRule(a)
				if err != nil {
					return err
				}
				if err := s.AddRule(cmd.Context(), r); err != nil {
					return err
				}
			}
			return nil
		}),
	}, &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *exclusion.SQLStore, _ []string) error {
			rules, err := s.LoadRules(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range rules {
				fmt.Fprintln(cmd.OutOrStdout(), r.String())
			}
			return nil
		}),
	}, &cobra.Command{
		Use:   "remove <kind:pattern>",
		Short: "Remove a rule",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *exclusion.SQLStore, args []string) error {
			r, err := exclusion.ParseRule(args[0])
			if err != nil {
				return err
			}
			removed, err := s.RemoveRule(cmd.Context(), r)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no rule %s", r)
			}
			return nil
		}),
	})
	return ex
}

func cacheCMD() *cobra.Command {
	var c = &cobra.Command{
		Use:   "cache",
		Short: "Manage the index result cache",
	}
	c.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Drop every cached index result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled() {
				return fmt.Errorf("redis not configured (redis.host)")
			}
			rdb, err := openRedis(cmd.Context(), cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()
			cache := cdx.NewCache(nil, rdb, cfg.Index.CacheTTL, runtime.NewLogger("CDX", cfg.General))
			return cache.Invalidate(cmd.Context())
		},
	})
	return c
}
