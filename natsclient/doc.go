// Package natsclient wraps a core NATS connection for fire-and-forget
// publishing.
//
// The client tracks connection status, reports health transitions through a
// callback, and drains on Close within the caller's deadline:
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("vfserver"),
//	    natsclient.WithHealthChangeCallback(metrics.RecordNATSStatus),
//	)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//	_ = client.Publish(ctx, "vf2.activity.session.connected", payload)
//
// Publish never blocks on the network; it fails fast with ErrNotConnected
// while the connection is down.
package natsclient
