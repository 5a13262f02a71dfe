package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	"github.com/Asort97/happycat-vpn/models"
)

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked=%d errors=%d secrets_retried=%d compensated=%d\n",
				res.Revoked, res.Errors, res.SecretsRetried, res.Compensated)
			return nil
		},
	}
}

func newNodesCmd(configPath *string) *cobra.Command {
	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "Manage VPN nodes",
	}

	// withStore runs fn in one unit of work; node commands need no authority.
	withStore := func(cmd *cobra.Command, fn func(tx *sqlite.Tx) error) error {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.WithTx(cmd.Context(), fn)
	}

	setStatus := func(status models.NodeStatus) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(tx *sqlite.Tx) error {
				ok, err := tx.SetNodeStatus(args[0], status)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("node %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "node %s is %s\n", args[0], status)
				return nil
			})
		}
	}

	nodes.AddCommand(
		&cobra.Command{
			Use:   "add <id> <address>",
			Short: "Register a node or update its address",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(tx *sqlite.Tx) error {
					return tx.UpsertNode(&models.Node{ID: args[0], Address: args[1], Status: models.NodeActive})
				})
			},
		},
		&cobra.Command{
			Use:   "drain <id>",
			Short: "Stop assigning new credentials to a node",
			Args:  cobra.ExactArgs(1),
			RunE:  setStatus(models.NodeDrained),
		},
		&cobra.Command{
			Use:   "activate <id>",
			Short: "Resume assigning credentials to a node",
			Args:  cobra.ExactArgs(1),
			RunE:  setStatus(models.NodeActive),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List nodes with their load",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd, func(tx *sqlite.Tx) error {
					list, err := tx.ListNodes()
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tLOAD")
					for _, n := range list {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", n.ID, n.Address, n.Status, n.LoadCount)
					}
					return w.Flush()
				})
			},
		},
	)
	return nodes
}

func newGrantCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <subscriber> <days>",
		Short: "Issue an admin grant alongside the subscriber's own access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("days: %w", err)
			}
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.manager.Touch(cmd.Context(), args[0], ""); err != nil {
				return err
			}
			issued, err := a.manager.AdminGrant(cmd.Context(), args[0], days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential %s on node %s until %s\n",
				issued.Credential.ID, issued.Credential.NodeID, issued.Credential.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newRevokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <credential>",
		Short: "Revoke a credential now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			changed, err := a.manager.AdminRevoke(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "credential %s revoked\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "credential %s was already revoked\n", args[0])
			}
			return nil
		},
	}
}
