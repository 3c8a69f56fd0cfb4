// cmd/searchctl is a Cobra CLI client for a searchd node's HTTP API.
//
// Usage:
//
//	searchctl doc add mail '{"subject":"hi"}'   --server http://localhost:8880
//	searchctl doc get mail 42                   --server http://localhost:8880
//	searchctl doc delete mail 42                --server http://localhost:8880
//	searchctl cluster nodes                     --server http://localhost:8880
//	searchctl cluster resolve mail               --server http://localhost:8880
//	searchctl cluster raft 0                     --server http://localhost:8880
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/xapiand/searchd/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "searchctl",
		Short: "CLI client for a searchd node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8880", "searchd HTTP address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(docCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── doc ──────────────────────────────────────────────────────────────────────

func docCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Document CRUD against one index",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <index> <json-fields>",
			Short: "Index a new document",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				fields, err := parseFields(args[1])
				if err != nil {
					return err
				}
				resp, err := client.New(serverAddr, timeout).AddDocument(context.Background(), args[0], fields)
				if err != nil {
					return err
				}
				prettyPrint(resp)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <index> <id>",
			Short: "Fetch a document's indexed terms",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return err
				}
				resp, err := client.New(serverAddr, timeout).GetDocument(context.Background(), args[0], id)
				if err == client.ErrNotFound {
					fmt.Printf("document %d not found in %q\n", id, args[0])
					return nil
				}
				if err != nil {
					return err
				}
				prettyPrint(resp)
				return nil
			},
		},
		&cobra.Command{
			Use:   "replace <index> <id> <json-fields>",
			Short: "Overwrite a document's fields",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return err
				}
				fields, err := parseFields(args[2])
				if err != nil {
					return err
				}
				resp, err := client.New(serverAddr, timeout).ReplaceDocument(context.Background(), args[0], id, fields)
				if err != nil {
					return err
				}
				prettyPrint(resp)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <index> <id>",
			Short: "Delete a document",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return err
				}
				if err := client.New(serverAddr, timeout).DeleteDocument(context.Background(), args[0], id); err != nil {
					return err
				}
				fmt.Printf("deleted %d from %q\n", id, args[0])
				return nil
			},
		},
	)
	return cmd
}

// ─── cluster ──────────────────────────────────────────────────────────────────

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster introspection",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "nodes",
			Short: "List gossip-discovered cluster nodes",
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := client.New(serverAddr, timeout).ClusterNodes(context.Background())
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "resolve <path>",
			Short: "Resolve an index path to ranked candidate endpoints",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := client.New(serverAddr, timeout).ResolveEndpoint(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "raft <region>",
			Short: "Show this node's election state for a region",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := strconv.ParseUint(args[0], 10, 16)
				if err != nil {
					return err
				}
				out, err := client.New(serverAddr, timeout).RaftStatus(context.Background(), uint16(region))
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			},
		},
	)
	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseFields(raw string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON fields: %w", err)
	}
	return fields, nil
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
