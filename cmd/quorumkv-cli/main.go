// Command quorumkv-cli is a thin demo client for exercising a running
// quorumkv node: authenticate, get/put/delete keys, and inspect a node's
// consensus metadata, all over the net/rpc transport.
//
// Grounded on the teacher's cmd/tokmesh-cli (urfave/cli/v2 app with one
// subcommand per operation) scaled down to the handful of RPCs spec.md's
// external interface names; this is deliberately minimal glue, not a
// specified core component, per spec.md's "CLI/demo client's UX" being out
// of scope.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/quorumkv/quorumkv/internal/transport"
)

func main() {
	app := &cli.App{
		Name:  "quorumkv-cli",
		Usage: "talk to a quorumkv node over its NodeService RPC transport",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "node",
				Aliases:  []string{"n"},
				Usage:    "node address, host:port",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "RPC deadline",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			getCommand(),
			putCommand(),
			deleteCommand(),
			healthCommand(),
			metadataCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// singleNodeClient builds a transport.Client whose Resolver always returns
// the --node address, regardless of the peer ID argument passed to it —
// the CLI only ever talks to one node per invocation.
func singleNodeClient(c *cli.Context) (*transport.Client, context.Context, context.CancelFunc) {
	addr := c.String("node")
	client := transport.NewClient(func(string) (string, error) { return addr, nil })
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	return client, ctx, cancel
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:      "auth",
		Usage:     "exchange an api key for a bearer token",
		ArgsUsage: "API_KEY",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("auth requires exactly one argument: API_KEY")
			}
			client, ctx, cancel := singleNodeClient(c)
			defer cancel()
			defer client.Close()

			resp, err := client.Authenticate(ctx, "", c.Args().Get(0))
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("authenticate failed: %s", resp.Error)
			}
			fmt.Println(resp.Token)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "read a key",
		ArgsUsage: "TOKEN KEY",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("get requires exactly two arguments: TOKEN KEY")
			}
			client, ctx, cancel := singleNodeClient(c)
			defer cancel()
			defer client.Close()

			resp, err := client.Get(ctx, "", c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("get failed: %s", resp.Error)
			}
			if !resp.Found {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Printf("%s (version %d)\n", resp.Value, resp.Version)
			return nil
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "write a key",
		ArgsUsage: "TOKEN KEY VALUE",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "if-version",
				Usage: "only write if the current version equals this (0 means unconditional)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 3 {
				return fmt.Errorf("put requires exactly three arguments: TOKEN KEY VALUE")
			}
			client, ctx, cancel := singleNodeClient(c)
			defer cancel()
			defer client.Close()

			var version *uint64
			if v := c.Uint64("if-version"); v != 0 {
				version = &v
			}

			resp, err := client.Put(ctx, "", c.Args().Get(0), c.Args().Get(1), []byte(c.Args().Get(2)), version)
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("put failed: %s", resp.Error)
			}
			fmt.Printf("ok, new version %d\n", resp.NewVersion)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a key",
		ArgsUsage: "TOKEN KEY",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("delete requires exactly two arguments: TOKEN KEY")
			}
			client, ctx, cancel := singleNodeClient(c)
			defer cancel()
			defer client.Close()

			resp, err := client.Delete(ctx, "", c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("delete failed: %s", resp.Error)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "check a node's health",
		Action: func(c *cli.Context) error {
			client, ctx, cancel := singleNodeClient(c)
			defer cancel()
			defer client.Close()

			resp, err := client.HealthCheck(ctx, "")
			if err != nil {
				return err
			}
			fmt.Printf("healthy=%v status=%s\n", resp.Healthy, resp.Status)
			return nil
		},
	}
}

func metadataCommand() *cli.Command {
	return &cli.Command{
		Name:  "metadata",
		Usage: "show a node's consensus role, term and owned shards",
		Action: func(c *cli.Context) error {
			client, ctx, cancel := singleNodeClient(c)
			defer cancel()
			defer client.Close()

			resp, err := client.GetMetadata(ctx, "")
			if err != nil {
				return err
			}
			fmt.Printf("role=%s term=%d leader=%s owned_shards=%v\n",
				resp.Role, resp.Term, resp.LeaderID, resp.OwnedShards)
			return nil
		},
	}
}
