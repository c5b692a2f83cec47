// chainlog is a command-line client for a chainlog node. Every command
// takes a location of the form scheme://host:port/space; writes should
// target the head of a chain, reads and watches the tail.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/klppl/chainlog/client"
)

func main() {
	root := &cobra.Command{
		Use:           "chainlog",
		Short:         "client for a replicated append-only keyed-log server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(writeCmd(), readCmd(), truncateCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chainlog: %v\n", err)
		os.Exit(1)
	}
}

func writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <url> <key> <value>",
		Short: "append a value under a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := client.Connect(args[0])
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Write([]byte(args[1]), []byte(args[2]))
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <url> <key>",
		Short: "print every value written under a key, one per line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.Connect(args[0])
			if err != nil {
				return err
			}
			defer c.Close()
			data, err := c.Read([]byte(args[1]))
			if err != nil {
				return err
			}
			for _, d := range data {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", d.Value)
			}
			return nil
		},
	}
}

func truncateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate <url>",
		Short: "remove every record in the space",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := client.Connect(args[0])
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Truncate()
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <url>",
		Short: "stream every record in the space, past and future",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.Connect(args[0])
			if err != nil {
				return err
			}
			sub, err := c.Subscribe()
			if err != nil {
				c.Close()
				return err
			}
			defer sub.Close()
			for {
				d, err := sub.Next()
				if err != nil {
					return err
				}
				if d == nil {
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", d.Key, d.Value)
			}
		},
	}
}
