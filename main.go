package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/api"
	"board-sync/fanout"
	"board-sync/lifecycle"
	"board-sync/position"
	"board-sync/ratelimit"
	"board-sync/room"
	"board-sync/storage"
)

func durationEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return d
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	boardTableName := os.Getenv("BOARD_TABLE")
	eventsQueueName := os.Getenv("EVENTS_QUEUE")
	if connStr == "" || boardTableName == "" || eventsQueueName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, boardTableName, eventsQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cache := storage.NewCache(store, rc, durationEnv("BOARD_CACHE_TTL", 30*time.Second))
	dedup := fanout.NewDedup(rc, durationEnv("DEDUPER_TTL", 24*time.Hour))

	logger := log.New()
	logger.SetLevel(log.GetLevel())

	bridge := fanout.NewBridge(rc, dedup, cache, logger)

	mutationMax := int64(100)
	if v := os.Getenv("MUTATION_RATE_MAX"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			log.Fatalf("invalid MUTATION_RATE_MAX: %v", err)
		}
		mutationMax = n
	}
	limiter := ratelimit.NewLimiter(rc, []ratelimit.Bucket{
		{
			Name:   api.MutationBucket,
			Max:    mutationMax,
			Window: durationEnv("MUTATION_RATE_WINDOW", time.Minute),
		},
	}, logger)

	var auth *api.Auth
	if os.Getenv("LOCAL_AUTH_MODE") != "" {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	var gate lifecycle.DependencyGate
	if gateURL := os.Getenv("DEPENDENCY_GATE_URL"); gateURL != "" {
		gate = lifecycle.NewHTTPGate(gateURL)
	}
	machine := lifecycle.New(cache, gate, &api.TransitionPublisher{Bridge: bridge, Logger: logger})
	gateway := api.NewGateway(api.GatewayConfig{
		Registry:   room.NewRegistry(),
		Machine:    machine,
		Resolver:   position.NewResolver(),
		Store:      cache,
		Bridge:     bridge,
		Limiter:    limiter,
		Identities: api.NewIdentityResolver(auth),
		Logger:     logger,
	})

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, gateway)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gateway.RunFanout(ctx)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
