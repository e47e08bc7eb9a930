package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clipsync/cfg"
	"clipsync/metrics"
	"clipsync/pkg/secrets"
	"clipsync/svc/api"
	"clipsync/svc/auth"
	"clipsync/svc/cache"
	"clipsync/svc/db"
	"clipsync/svc/lim"
	"clipsync/svc/svc"
	"clipsync/svc/util"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Str("file", envFile).Msg("failed to read env file")
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("environment", c.Environment).
		Str("backend", c.Storage.Backend).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting clipsync API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.SecretsFromProvider {
		loader, err := secrets.NewLoader(ctx, c.Storage.Region)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize secret providers")
		}
		util.Info().Strs("providers", loader.Providers()).Msg("secret providers initialized")
		jwtKey, err := loader.GetSecret(ctx, "JWT_SIGNING_KEY")
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load JWT signing key")
		}
		c.Auth.JWTSigningKey = cfg.NewSecret(jwtKey)
		if linkKey, err := loader.GetSecret(ctx, "LINK_SIGNING_KEY"); err == nil {
			c.LinkSigningKey = cfg.NewSecret(linkKey)
		} else {
			util.Info().Msg("no LINK_SIGNING_KEY from providers, deriving from JWT key")
		}
		if err := cfg.ValidateSecrets(c); err != nil {
			util.Fatal().Err(err).Msg("invalid secrets")
		}
	}

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	var (
		store   svc.Store
		quitWAL chan struct{}
	)
	switch c.Storage.Backend {
	case cfg.BackendS3:
		client, awsCfg, err := db.NewS3Client(ctx, c.Storage)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize S3 client")
		}
		if c.Storage.KMSKeyID != "" {
			if err := secrets.VerifyKMSKey(ctx, kms.NewFromConfig(awsCfg), c.Storage.KMSKeyID); err != nil {
				util.Fatal().Err(err).Msg("CRITICAL: SSE-KMS key unusable")
			}
			util.Info().Msg("SSE-KMS key verified")
		}
		s3Store, err := db.NewS3Store(client, s3.NewPresignClient(client), db.S3Options{
			Bucket:          c.Storage.Bucket,
			Region:          c.Storage.Region,
			Prefix:          c.Storage.Prefix,
			KMSKeyID:        c.Storage.KMSKeyID,
			PresignTTL:      c.Storage.PresignTTL,
			ListConcurrency: c.Storage.ListConcurrency,
			CacheTTL:        c.MetadataCacheTTL,
		}, lruCache, rdb)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize S3 store")
		}
		bucketCtx, bucketCancel := context.WithTimeout(ctx, 15*time.Second)
		err = s3Store.EnsureBucket(bucketCtx, c.Storage.AutoCreateBucket)
		bucketCancel()
		if err != nil {
			util.Fatal().Err(err).Str("bucket", c.Storage.Bucket).Msg("bucket unavailable")
		}
		store = s3Store
		util.Info().
			Str("bucket", c.Storage.Bucket).
			Str("region", c.Storage.Region).
			Str("prefix", c.Storage.Prefix).
			Msg("S3 store initialized")
	case cfg.BackendSQLite:
		sqlDB, err := db.NewSQLiteWithConfig(c.Storage.DatabasePath, c.Storage.DBMaxOpenConns, c.Storage.DBMaxIdleConns, c.Storage.DBQueryTimeout)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize database")
		}
		defer sqlDB.Close()
		quitWAL = make(chan struct{})
		go sqlDB.RunWALMaintenance(quitWAL)
		store = sqlDB
		util.Info().Str("path", c.Storage.DatabasePath).Msg("sqlite store initialized")
	default:
		store = db.NewMemory()
		util.Warn().Msg("memory store in use, items are lost on restart")
	}

	linkKey := c.LinkSigningKey.Bytes()
	if len(linkKey) == 0 {
		linkKey = util.DeriveLinkKey(c.Auth.JWTSigningKey.Bytes())
		defer util.Wipe(linkKey)
	}
	links, err := util.NewLinkSigner(linkKey)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize content link signer")
	}
	verifier, err := auth.NewGoogleVerifier(ctx, c.Auth.GoogleClientID)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize google verifier")
	}
	sessions, err := auth.NewSessions(c.Auth.JWTSigningKey.Bytes(), c.Auth.JWTIssuer, c.Auth.JWTAudience, c.Auth.JWTExpiration)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize session issuer")
	}

	clip := svc.NewClipboard(store, links, c)
	util.Info().Str("backend", clip.StoreName()).Msg("clipboard service initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, clip, verifier, sessions, limiter, rdb)
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	clip.Shutdown(shutdownCtx)
	if quitWAL != nil {
		close(quitWAL)
	}
	cancel()
	util.Info().Msg("Shutdown complete")
}

// healthcheck probes the local /health endpoint for container health checks.
func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
