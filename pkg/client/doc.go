// Package client is the Go SDK for a provledger daemon.
//
// Record an operation and keep the receipt:
//
//	c, err := client.New("http://localhost:8088", client.WithAgent("deployer"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	receipt, err := c.Append(ctx, "deploy", manifest)
//
// Receipts carry the entry id, its SHA-256 and its parent id. Later the
// entry, its ancestor chain and the latest checkpoint can be fetched:
//
//	entry, err := c.Entry(ctx, receipt.ID)
//	chain, err := c.Proof(ctx, receipt.ID)
//	cp, err := c.LatestCheckpoint(ctx) // nil before the first rotation
//
// Lookups of unknown ids return an error matching ErrNotFound. Any other
// non-2xx response is an *APIError.
package client
