package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/client"
	"github.com/parleychat/parley/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a realm definition file",
	Long: `Apply realms, users and linkifiers from a YAML file. A file may hold
several documents separated by ---.

Each document is sent with an idempotency key derived from its content, so
applying the same file twice does not repeat its actions.

Examples:
  # Create a realm (needs the internal token)
  parley apply -f realm.yaml --token $PARLEY_TOKEN

  # Add users and linkifiers as a realm administrator
  parley apply -f linkifiers.yaml --realm 1 --user 7`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("token", "", "Internal token, for Realm documents")
	applyCmd.Flags().Int64("realm", 0, "Realm ID, for User and Linkifier documents")
	applyCmd.Flags().Int64("user", 0, "Administrator user ID, for User and Linkifier documents")
	addServerFlag(applyCmd)
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of an apply file
type Resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	realmID, _ := cmd.Flags().GetInt64("realm")
	userID, _ := cmd.Flags().GetInt64("user")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	c := client.NewClient(server, client.WithInternalToken(token), client.WithIdentity(realmID, userID))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var resource Resource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		if resource.Kind == "" {
			continue
		}

		doc, err := yaml.Marshal(resource)
		if err != nil {
			return err
		}
		key := uuid.NewSHA1(uuid.NameSpaceURL, doc).String()

		if err := applyResource(c, &resource, key); err != nil {
			return err
		}
	}
}

func applyResource(c *client.Client, resource *Resource, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch resource.Kind {
	case "Realm":
		return applyRealm(ctx, c, resource, key)
	case "User":
		return applyUser(ctx, c, resource, key)
	case "Linkifier":
		return applyLinkifier(ctx, c, resource, key)
	default:
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
}

func applyRealm(ctx context.Context, c *client.Client, resource *Resource, key string) error {
	stringID := resource.Metadata.Name
	name := getString(resource.Spec, "name", stringID)

	methods := map[string]bool{}
	if list, ok := resource.Spec["authenticationMethods"].([]interface{}); ok {
		for _, m := range list {
			methods[fmt.Sprintf("%v", m)] = true
		}
	}
	if len(methods) == 0 {
		methods["Email"] = true
	}

	fmt.Printf("Creating realm: %s\n", stringID)
	res, err := c.CreateRealm(ctx, stringID, name, methods, key)
	if err != nil {
		if isConflict(err) {
			fmt.Printf("Realm already exists: %s (skipping)\n", stringID)
			return nil
		}
		return fmt.Errorf("failed to create realm: %v", err)
	}
	report("Realm", stringID, res)
	return nil
}

func applyUser(ctx context.Context, c *client.Client, resource *Resource, key string) error {
	email := resource.Metadata.Name
	role, err := parseRole(getString(resource.Spec, "role", "member"))
	if err != nil {
		return err
	}
	isBot, _ := resource.Spec["bot"].(bool)

	fmt.Printf("Creating user: %s\n", email)
	res, err := c.CreateUser(ctx, email, getString(resource.Spec, "fullName", email), role, isBot, key)
	if err != nil {
		if isConflict(err) {
			fmt.Printf("User already exists: %s (skipping)\n", email)
			return nil
		}
		return fmt.Errorf("failed to create user: %v", err)
	}
	report("User", email, res)
	return nil
}

func applyLinkifier(ctx context.Context, c *client.Client, resource *Resource, key string) error {
	pattern := getString(resource.Spec, "pattern", "")
	urlFormat := getString(resource.Spec, "urlFormat", "")
	if pattern == "" || urlFormat == "" {
		return fmt.Errorf("linkifier %q needs a pattern and a urlFormat", resource.Metadata.Name)
	}

	fmt.Printf("Creating linkifier: %s\n", pattern)
	res, err := c.AddLinkifier(ctx, pattern, urlFormat, key)
	if err != nil {
		if isConflict(err) {
			fmt.Printf("Linkifier already exists: %s (skipping)\n", pattern)
			return nil
		}
		return fmt.Errorf("failed to create linkifier: %v", err)
	}
	report("Linkifier", pattern, res)
	return nil
}

func report(kind, name string, res *client.ActionResult) {
	if res.Duplicate {
		fmt.Printf("%s already applied: %s (skipping)\n", kind, name)
		return
	}
	fmt.Printf("✓ %s created: %s (ID: %d)\n", kind, name, res.ID)
}

func isConflict(err error) bool {
	var e *client.Error
	return errors.As(err, &e) && e.Code == "CONFLICT"
}

func parseRole(name string) (types.UserRole, error) {
	for _, r := range []types.UserRole{types.RoleOwner, types.RoleAdmin, types.RoleModerator, types.RoleMember, types.RoleGuest} {
		if r.String() == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", name)
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}
