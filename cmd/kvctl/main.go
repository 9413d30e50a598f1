// Command kvctl is the operator CLI for a running carpkv fleet: one-
// shot get/put/ring subcommands plus an interactive REPL, all wrapping
// internal/kvclient.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/carpkv/internal/discovery"
	"github.com/dreamware/carpkv/internal/kvclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var discoveryPath string

	root := &cobra.Command{
		Use:   "kvctl",
		Short: "Operate a carpkv fleet",
	}
	root.PersistentFlags().StringVar(&discoveryPath, "discovery", "addresses.json", "path to the address matrix file")

	newClient := func(ctx context.Context) (*kvclient.Client, error) {
		matrix, err := discovery.Load(discoveryPath)
		if err != nil {
			return nil, fmt.Errorf("loading discovery file: %w", err)
		}
		return kvclient.New(ctx, matrix, nil, nil)
	}

	root.AddCommand(newGetCmd(newClient))
	root.AddCommand(newPutCmd(newClient))
	root.AddCommand(newRingCmd(newClient))
	root.AddCommand(newReplCmd(newClient))
	return root
}

type clientFactory func(ctx context.Context) (*kvclient.Client, error)

func newGetCmd(newClient clientFactory) *cobra.Command {
	var consistent bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			var value string
			if consistent {
				value, err = c.ConsistentGet(cmd.Context(), args[0])
			} else {
				value, err = c.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}
	cmd.Flags().BoolVar(&consistent, "consistent", false, "use a linearizable read")
	return cmd
}

func newPutCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			return c.Put(cmd.Context(), args[0], args[1])
		},
	}
}

func newRingCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "ring",
		Short: "Print the client's cached CARP ring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			ring := c.Ring()
			fmt.Printf("config_id=%d nodes=%d\n", ring.ConfigID, ring.Len())
			for _, n := range ring.Nodes {
				fmt.Printf("  %s  load_factor=%.6f\n", n.Addr, n.LoadFactor)
			}
			return nil
		},
	}
}

func newReplCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive get/put session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			return runRepl(cmd.Context(), c, os.Stdin, os.Stdout)
		},
	}
}

func runRepl(ctx context.Context, c *kvclient.Client, in *os.File, out *os.File) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "kvctl repl -- commands: get <key> | put <key> <value> | ring | quit")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "get":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: get <key>")
				continue
			}
			v, err := c.Get(ctx, fields[1])
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, v)
		case "put":
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: put <key> <value>")
				continue
			}
			if err := c.Put(ctx, fields[1], fields[2]); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "OK")
		case "ring":
			ring := c.Ring()
			fmt.Fprintf(out, "config_id=%d nodes=%d\n", ring.ConfigID, ring.Len())
		default:
			fmt.Fprintln(out, "unknown command:", fields[0])
		}
	}
}
