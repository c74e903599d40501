package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/stream"
	"github.com/tradeforge/bfxstream/pkg/symbols"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

// env holds the example's environment configuration, loaded from the
// process environment with an optional .env file on top.
type env struct {
	WSURL     string `envconfig:"BFX_WS_URL" default:"wss://api.bitfinex.com/ws/2"`
	ConfURL   string `envconfig:"BFX_CONF_URL" default:"https://api-pub.bitfinex.com/v2/conf/pub:list:pair:exchange"`
	APIKey    string `envconfig:"BFX_API_KEY"`
	APISecret string `envconfig:"BFX_API_SECRET"`
	Symbol    string `envconfig:"BFX_SYMBOL" default:"BTCUSD"`
	Debug     bool   `envconfig:"BFX_DEBUG"`
}

// hmacSigner produces the signed auth handshake from API credentials.
type hmacSigner struct {
	key    string
	secret string
}

func (s hmacSigner) Sign() (wire.AuthRequest, error) {
	nonce := fmt.Sprintf("%d", time.Now().UnixMilli())
	payload := "AUTH" + nonce

	mac := hmac.New(sha512.New384, []byte(s.secret))
	mac.Write([]byte(payload))

	return wire.AuthRequest{
		APIKey:      s.key,
		AuthNonce:   nonce,
		AuthPayload: payload,
		AuthSig:     hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

func main() {
	// Load .env if present; missing files are fine.
	_ = godotenv.Load()

	var cfg env
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var logOpts []logging.ZapOption
	if cfg.Debug {
		logOpts = append(logOpts, logging.WithDebugLevel())
	}
	logger := logging.NewLogger(logOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Symbol directory validates pairs before subscribing and refreshes
	// periodically in the background.
	directory := symbols.NewDirectory(symbols.DirectoryConfig{
		URL:    cfg.ConfURL,
		Logger: logger,
	})
	go directory.Run(ctx)

	opts := []stream.Option{
		stream.WithLogger(logger),
		stream.WithResolver(directory),
	}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		opts = append(opts, stream.WithSigner(hmacSigner{key: cfg.APIKey, secret: cfg.APISecret}))
	}

	client := stream.New(stream.DefaultConfig(cfg.WSURL), opts...)

	logger.Info("connecting", logging.String("url", cfg.WSURL))
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", logging.Error(err))
		os.Exit(1)
	}
	defer client.Close()

	// Stream reshaped tickers for the configured pair.
	err := client.SubscribeTicker(cfg.Symbol, func(t wire.Ticker) {
		logger.Info("ticker",
			logging.String("symbol", t.Symbol),
			logging.Float64("bid", t.Bid),
			logging.Float64("ask", t.Ask),
			logging.Float64("last", t.LastPrice))
	})
	if err != nil {
		logger.Error("subscribe failed", logging.Error(err))
		os.Exit(1)
	}

	if cfg.APIKey != "" {
		// Watch order notifications on the account channel.
		client.RegisterPrivateHandler(wire.CodeNotification, func(code string, fields []json.RawMessage) {
			logger.Info("notification received")
		})

		// Auto-cancel open orders if the session dies.
		if res := client.EnableDeadManSwitch(ctx, time.Minute); !res.OK {
			logger.Warn("dead man switch not enabled", logging.Error(res.Err))
		}
	}

	// Periodically report connection health until interrupted.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := client.PoolStatus()
				logger.Info("pool status",
					logging.Int("sockets", len(st.Sockets)),
					logging.Int("subscriptions", st.TotalSubscriptions),
					logging.Bool("authenticated", st.Authenticated),
					logging.Duration("inboundAge", st.PrimaryInboundAge))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}
