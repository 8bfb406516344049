package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/client"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/queue"
	"github.com/spf13/cobra"
)

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://127.0.0.1:9991", "Parley server URL")
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("realm", 0, "Realm ID (required)")
	cmd.Flags().Int64("user", 0, "User ID (required)")
	_ = cmd.MarkFlagRequired("realm")
	_ = cmd.MarkFlagRequired("user")
}

func identityClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	realmID, _ := cmd.Flags().GetInt64("realm")
	userID, _ := cmd.Flags().GetInt64("user")
	return client.NewClient(server, client.WithIdentity(realmID, userID))
}

func printResult(res *client.ActionResult) {
	switch {
	case res.Duplicate:
		fmt.Println("Request already applied")
	case !res.Changed:
		fmt.Println("Nothing to change")
	case res.ID != 0:
		fmt.Printf("✓ Done (id %d)\n", res.ID)
	default:
		fmt.Println("✓ Done")
	}
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Register an event queue and print its events",
	Long: `Register an event queue and print every event as one JSON line until
interrupted. The queue is registered again if the server drops it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		legacy, _ := cmd.Flags().GetBool("legacy")
		types, _ := cmd.Flags().GetStringSlice("event-type")

		opts := client.RegisterOptions{ClientName: "parley-tail", LegacyEventShapes: legacy}
		for _, t := range types {
			opts.EventTypes = append(opts.EventTypes, events.Type(t))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(os.Stdout)
		return identityClient(cmd).Tail(ctx, opts,
			func(reg *client.Registration) error {
				fmt.Fprintf(os.Stderr, "Registered queue %s (%d linkifiers)\n", reg.QueueID, len(reg.RealmLinkifiers))
				return nil
			},
			func(ev queue.QueuedEvent) error {
				return enc.Encode(ev)
			})
	},
}

var realmCmd = &cobra.Command{
	Use:   "realm",
	Short: "Manage realms",
}

var realmCreateCmd = &cobra.Command{
	Use:   "create STRING_ID NAME",
	Short: "Create a realm",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		methods, _ := cmd.Flags().GetStringSlice("auth-method")

		enabled := make(map[string]bool, len(methods))
		for _, m := range methods {
			enabled[m] = true
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c := client.NewClient(server, client.WithInternalToken(token))
		res, err := c.CreateRealm(ctx, args[0], args[1], enabled, uuid.NewString())
		if err != nil {
			return fmt.Errorf("failed to create realm: %w", err)
		}
		printResult(res)
		return nil
	},
}

var linkifierCmd = &cobra.Command{
	Use:   "linkifier",
	Short: "Manage realm linkifiers",
}

var linkifierAddCmd = &cobra.Command{
	Use:   "add PATTERN URL_FORMAT",
	Short: "Add a linkifier to the realm",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := identityClient(cmd).AddLinkifier(ctx, args[0], args[1], uuid.NewString())
		if err != nil {
			return fmt.Errorf("failed to add linkifier: %w", err)
		}
		printResult(res)
		return nil
	},
}

var linkifierRemoveCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Remove a linkifier from the realm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid linkifier id %q", args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := identityClient(cmd).RemoveLinkifier(ctx, id, uuid.NewString())
		if err != nil {
			return fmt.Errorf("failed to remove linkifier: %w", err)
		}
		printResult(res)
		return nil
	},
}

func init() {
	addServerFlag(tailCmd)
	addIdentityFlags(tailCmd)
	tailCmd.Flags().Bool("legacy", false, "Receive legacy event shapes (realm_filters)")
	tailCmd.Flags().StringSlice("event-type", nil, "Only receive these event types")

	addServerFlag(realmCreateCmd)
	realmCreateCmd.Flags().String("token", "", "Internal token of the server")
	realmCreateCmd.Flags().StringSlice("auth-method", []string{"Email"}, "Enabled authentication methods")
	realmCmd.AddCommand(realmCreateCmd)

	for _, cmd := range []*cobra.Command{linkifierAddCmd, linkifierRemoveCmd} {
		addServerFlag(cmd)
		addIdentityFlags(cmd)
		linkifierCmd.AddCommand(cmd)
	}
}
