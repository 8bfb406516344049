/*
Package client is a Go client for the Parley event server's HTTP API.

It covers the three kinds of caller the server has:

  - Event clients register a queue and long-poll it (Register, GetEvents,
    DeleteQueue, or Tail, which does all three and survives queue loss).
  - Administrators drive realm actions (CreateRealm, CreateUser,
    AddLinkifier, RemoveLinkifier), optionally with an idempotency key.
  - Other Parley processes use the internal endpoints: Notifier is a
    publisher substrate that posts notices to every event server, and
    JoinCluster asks a raft leader to add this node as a voter.

# Usage

	c := client.NewClient("http://127.0.0.1:9991", client.WithIdentity(realmID, userID))

	err := c.Tail(ctx, client.RegisterOptions{ClientName: "bot"},
		func(reg *client.Registration) error {
			// reload linkifiers from reg.RealmLinkifiers
			return nil
		},
		func(ev queue.QueuedEvent) error {
			fmt.Println(ev.ID, ev.Type)
			return nil
		})

Failures reported by the server are returned as *Error, carrying the HTTP
status and the server's error code. IsBadQueue reports the one a client
must recover from by registering again.
*/
package client
