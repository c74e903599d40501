// Package bfxstream provides the exchange-facing realtime layer for trading
// systems: a multiplexed WebSocket client for Bitfinex-style streaming APIs
// with connection pooling, authenticated account state, and self-healing
// reconnection.
//
// Core Features:
//
//   - Public market data subscriptions (ticker, trades, candles, order book)
//     multiplexed over a small pool of connections
//   - Routing by (socket, channel id), since channel ids are per-connection
//     and reused across sockets
//   - Authenticated account channel with last-known wallet, position,
//     margin, and funding snapshots
//   - Outbound order commands (update, batch cancel, batched operations)
//     with decimal-safe field normalization
//   - Heartbeat watchdog and bounded exponential-backoff reconnect with
//     automatic resubscription of the desired set
//   - Rate-limited outbound frames and calc-request deduplication
//
// The library is built around the stream.Client type. Collaborators plug in
// through options: a credential signer for the private channel, a symbol
// resolver for pair validation, and a logger.
//
// # Errors
//
// Routine failures are returned as errors or CommandResult values rather
// than panics:
//
//   - stream.ErrNotConnected: an operation needed a live primary socket and
//     none was available
//
//   - stream.ErrClosed: the client has been closed
//
//   - stream.ErrSymbolNotListed: no tradable wire symbol exists for the
//     requested pair
//
//   - stream.ErrAuthRequired: a private operation ran without an
//     authenticated socket
//
//   - stream.ErrUnknownCommand: an opcode outside the private command
//     surface
//
// # Examples
//
// Public market data:
//
//	client := stream.New(stream.DefaultConfig("wss://api.bitfinex.com/ws/2"))
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SubscribeTicker("BTCUSD", func(t wire.Ticker) {
//		fmt.Println(t.Symbol, t.Bid, t.Ask)
//	})
//
// Authenticated use with a credential signer and a live symbol directory:
//
//	directory := symbols.NewDirectory(symbols.DirectoryConfig{URL: confURL})
//	go directory.Run(ctx)
//
//	client := stream.New(stream.DefaultConfig(wsURL),
//		stream.WithSigner(signer),
//		stream.WithResolver(directory),
//	)
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	if w, ok := client.Account().Wallet("margin", "USD"); ok {
//		fmt.Println("margin USD:", w.Balance)
//	}
//
// Subscriptions are desired state: once registered they survive reconnects,
// socket failures, and exchange restarts without caller involvement.
package bfxstream
