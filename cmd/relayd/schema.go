package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/config"
)

func newSchemaCmd(load loader) *cobra.Command {
	var (
		instanceID string
		target     string
		dialect    string
		ensure     string
	)
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the column types of an instance's target",
		Long: "schema reads the structure of the instance's locator (or --target) and prints it. " +
			"With --ensure it creates or widens the locator of that destination instance to hold it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			factories := cfg.Factories(log)

			conn, ic, err := connect(cfg, factories, instanceID)
			if err != nil {
				return err
			}
			defer closeConnector(conn)

			if target == "" {
				target = ic.Locator
			}
			schema, err := conn.GetSchema(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("read schema of %s: %w", target, err)
			}
			if err := printSchema(cmd.OutOrStdout(), schema, dialect); err != nil {
				return err
			}

			if ensure == "" {
				return nil
			}
			dst, dic, err := connect(cfg, factories, ensure)
			if err != nil {
				return err
			}
			defer closeConnector(dst)
			if dic.Role != relay.RoleDestination {
				return fmt.Errorf("instance %q is not a destination", ensure)
			}
			if err := dst.EnsureDestinationStructure(cmd.Context(), dic.Locator, schema); err != nil {
				return fmt.Errorf("ensure structure of %s: %w", dic.Locator, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is ready for %d columns\n", dic.Locator, len(schema))
			return nil
		},
	}
	cmd.Flags().StringVarP(&instanceID, "instance", "i", "", "instance id")
	cmd.Flags().StringVar(&target, "target", "", "table, entity set or folder to inspect instead of the locator")
	cmd.Flags().StringVar(&dialect, "dialect", "", "render column types as postgres or mysql DDL")
	cmd.Flags().StringVar(&ensure, "ensure", "", "destination instance whose locator is created or widened")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func connect(cfg *config.Config, factories relay.Factories, id string) (relay.Connector, config.InstanceConfig, error) {
	ic, ok := cfg.Find(id)
	if !ok {
		return nil, ic, fmt.Errorf("instance %q is not configured", id)
	}
	conn, err := factories.Build(ic.Instance())
	if err != nil {
		return nil, ic, err
	}
	return conn, ic, nil
}

func closeConnector(conn relay.Connector) {
	if c, ok := conn.(io.Closer); ok {
		_ = c.Close()
	}
}

func printSchema(w io.Writer, schema relay.Schema, dialect string) error {
	switch dialect {
	case "", relay.DialectPostgres, relay.DialectMySQL:
	default:
		return fmt.Errorf("unknown dialect %q", dialect)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tTYPE\tNULLABLE")
	for _, name := range schema.Names() {
		t := schema[name]
		typ := t.String()
		if dialect != "" {
			typ = t.SQL(dialect)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\n", name, typ, t.Nullable)
	}
	return tw.Flush()
}
