// Package relay is an enterprise integration bus. Adapters for files,
// relational tables and business systems move records between each other
// through a durable message store, the MessageBox, which decouples every
// producer from every consumer.
//
// # Core Concepts
//
// Connectors speak one protocol:
//   - Connector: reads and writes rows of string values, knows the schema
//     of its targets and can create or widen a destination
//
// Adapters bind a connector to a provisioned instance:
//   - Source: every Read debatches its rows into one Message per record
//     before returning
//   - Destination: every tick drains the instance's pending messages,
//     writes them and marks their subscriptions processed
//
// Coordinators drive the adapters:
//   - PollingCoordinator: one ticker per instance, honouring the instance's
//     enabled flag at every tick
//   - TransportCoordinator: moves deliveries of a lease-based transport into
//     the MessageBox and settles their locks
//   - Engine: runs all coordinators together with the MessageBox sweeper
//     and the lease renewal loop
//
// # Basic Usage
//
//	box := messagebox.New(memory.New(), registry)
//
//	src, _ := relay.NewAdapter(csvConn, relay.Instance{
//	    ID: "csv-in", AdapterName: "CSV", Role: relay.RoleSource,
//	    InterfaceName: "customers", Enabled: true, Locator: "incoming",
//	}, box)
//
//	dst, _ := relay.NewAdapter(sqlConn, relay.Instance{
//	    ID: "sql-out", AdapterName: "SQL", Role: relay.RoleDestination,
//	    InterfaceName: "customers", Enabled: true, Locator: "dbo.Customers",
//	}, box)
//
//	engine := relay.NewEngine(box, registry)
//	engine.Add(relay.NewPollingCoordinator(src, relay.WithInterval(time.Minute)))
//	engine.Add(relay.NewPollingCoordinator(dst))
//	engine.Run(ctx)
//
// Processes configured from YAML are built by package config and run by
// cmd/relayd.
package relay
