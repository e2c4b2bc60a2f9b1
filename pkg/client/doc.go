/*
Package client provides a Go client library for the engine's admin API.

The client wraps the JSON-over-HTTP admin surface with a convenient,
idiomatic Go interface. It handles request encoding, error decoding, and
per-call timeouts, and provides type-safe methods for every operation the
CLI exposes.

# Architecture

The client provides a high-level interface to the engine's API:

	┌──────────────────── APPLICATION CODE ──────────────────────┐
	│                                                             │
	│  import "github.com/stagee/engine/pkg/client"               │
	│                                                             │
	│  cli := client.NewClient("localhost:7717")                  │
	│  resp, err := cli.Submit(&v1.SubmitRequest{...})            │
	│                                                             │
	└──────────────────┬──────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ──────────────────────────┐
	│                                                              │
	│  ┌──────────────────────────────────────────────┐           │
	│  │           Client Wrapper                     │           │
	│  │  - One method per admin operation            │           │
	│  │  - Per-call timeouts (10s unary)             │           │
	│  │  - APIError decoding                         │           │
	│  │  - NDJSON event streaming                    │           │
	│  └──────────────────┬───────────────────────────┘           │
	└─────────────────────┼────────────────────────────────────────┘
	                      │ HTTP (port 7717)
	                      ▼
	              Engine Admin Server (pkg/api)

# Usage

Submitting a plan and waiting for an immediate execution to settle:

	cli := client.NewClient("localhost:7717")

	resp, err := cli.Submit(&v1.SubmitRequest{
		TenantID: "acme",
		ActorID:  "ops@acme",
		Plan:     plan,
		WaitMS:   10000,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("execution %s: %s\n", resp.Execution.ID, resp.Execution.Status)

Tailing an execution's audit events until it settles:

	err := cli.FollowEvents(ctx, execID, 0, func(ev *v1.Event) error {
		fmt.Printf("%s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Kind)
		return nil
	})

Acting on the dead letter queue:

	items, err := cli.ListDLQ("acme")
	...
	exec, err := cli.RequeueDLQ(items[0].ID, "ops@acme")

# Error Handling

Non-2xx responses decode into *APIError carrying the HTTP status and the
engine's error kind:

	_, err := cli.Approve(id, actor, hash, "approve")
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case "plan_hash_mismatch":
			// The plan changed since the approver reviewed it.
		case "approval_expired":
			// The approval window lapsed; resubmit.
		}
	}

# Thread Safety

The client is safe for concurrent use. It keeps no mutable state beyond
the underlying http.Client, which pools connections by itself.

# See Also

  - pkg/api for the server-side implementation
  - pkg/api/v1 for the wire types
  - cmd/engine for CLI usage examples
*/
package client
