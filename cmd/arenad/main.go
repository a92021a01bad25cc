package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/archive"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/bus"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/cryptostore"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/engine"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/eventlog"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/governor"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/hardening"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/httpx"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/metrics"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/models"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/provider"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/push"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/sequence"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/store"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// debateIndexKey is the redis set of debate ids known to this deployment,
// consumed by the archive drain loop.
const debateIndexKey = "debate:ids"

type Server struct {
	Engine  *engine.Engine
	Bus     *bus.Bus
	Log     *eventlog.Log
	Seq     *sequence.Sequencer
	Debates *cryptostore.Store[models.Debate]
	Metrics *metrics.Registry
	Archive *archive.Writer
	Redis   *redis.Client

	DebateTTL           time.Duration
	ServiceAuthHeader   string
	ServiceAuthToken    string
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRedisFn     func(context.Context) (*redis.Client, func(), error)
	openDBFn        func(context.Context) (archive.DB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runArena(initTelemetryFn, openRedisFn, openDBFn, listenFn); err != nil {
		logFatalf("arenad: %v", err)
	}
}

func runArena(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openRedis func(context.Context) (*redis.Client, func(), error),
	openDB func(context.Context) (archive.DB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context) (*redis.Client, func(), error) {
			client, err := store.NewRedis(ctx)
			if err != nil {
				return nil, nil, err
			}
			return client, func() { _ = client.Close() }, nil
		}
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (archive.DB, func(), error) {
			if env("DATABASE_ENABLED", "false") != "true" {
				return nil, nil, nil
			}
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "arenad")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	stateSecret := env("STATE_SECRET", "dev-insecure-state-secret")
	serviceHeader := env("ARENA_AUTH_HEADER", "X-Service-Token")
	serviceToken := env("ARENA_AUTH_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "arenad",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "STATE_SECRET", Value: os.Getenv("STATE_SECRET")},
			{Name: "ARENA_AUTH_TOKEN", Value: serviceToken},
		},
	}); err != nil {
		return err
	}

	client, closeRedis, err := openRedis(ctx)
	if err != nil {
		return err
	}
	if closeRedis != nil {
		defer closeRedis()
	}

	ttl := time.Hour * time.Duration(envInt("DEBATE_RETENTION_HOURS", 24))
	cache := store.NewFallbackCache("arenad", client)
	debates, err := cryptostore.New[models.Debate]("debate", stateSecret, cache, ttl)
	if err != nil {
		return err
	}
	states, err := cryptostore.New[models.EngineState]("engine-state", stateSecret, cache, ttl)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	seq := sequence.New(client, ttl)
	seq.OnFallback = reg.IncSequencerFallback
	eventLog := eventlog.New(client, ttl)

	var transport push.Transport = push.NopTransport{}
	if env("KAFKA_ENABLED", "false") == "true" {
		kafkaTransport, err := push.NewKafkaTransport(push.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "debatelab.push.events"),
		})
		if err != nil {
			return err
		}
		transport = kafkaTransport
	}
	defer func() { _ = transport.Close() }()

	eventBus := bus.New(seq, eventLog, transport)
	eventBus.OnEmit = func(evt events.Event) { reg.IncEvent(string(evt.Type)) }

	gov := governor.New()
	providerName := env("PROVIDER_NAME", "arena")
	gov.SetLimits(providerName, governor.Limits{
		RequestsPerMinute: float64(envInt("PROVIDER_RPM", 50)),
		TokensPerMinute:   float64(envInt("PROVIDER_TPM", 40000)),
	})

	var prov provider.Provider
	if env("PROVIDER_MOCK", "false") == "true" {
		prov = provider.NewScriptedProvider(providerName)
	} else {
		prov = provider.NewHTTPProvider(
			providerName,
			env("PROVIDER_BASE_URL", "http://localhost:9090"),
			env("PROVIDER_API_KEY", ""),
			env("PROVIDER_MODEL", "debate-large"),
			envDurationSec("PROVIDER_TIMEOUT_SEC", 60),
		)
	}

	eng := engine.New(states, debates, eventBus, gov, prov)
	eng.Metrics = reg
	eng.MaxTurnTokens = envInt("MAX_TURN_TOKENS", engine.DefaultMaxTurnTokens)
	eng.DeltaChunkSize = envInt("DELTA_CHUNK_SIZE", 0)

	s := &Server{
		Engine:              eng,
		Bus:                 eventBus,
		Log:                 eventLog,
		Seq:                 seq,
		Debates:             debates,
		Metrics:             reg,
		Redis:               client,
		DebateTTL:           ttl,
		ServiceAuthHeader:   serviceHeader,
		ServiceAuthToken:    serviceToken,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}
	if db != nil {
		s.Archive = &archive.Writer{DB: db}
		if err := s.Archive.EnsureSchema(ctx); err != nil {
			return err
		}
		go s.drainLoop(context.Background(), envDurationSec("ARCHIVE_DRAIN_INTERVAL_SEC", 60))
	}
	go s.cleanupLoop(context.Background(), envDurationSec("BUS_CLEANUP_INTERVAL_SEC", 300))

	r := s.routes()
	addr := env("ADDR", ":8080")
	log.Printf("arenad listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("arenad"))
	r.Use(s.metricsMiddleware)
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "arenad"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/debates", s.createDebate)
	r.Get("/v1/debates/{debate_id}", s.getDebate)
	r.Get("/v1/debates/{debate_id}/events", s.listEvents)
	r.Get("/v1/debates/{debate_id}/stream", s.streamDebate)

	r.Group(func(control chi.Router) {
		control.Use(s.requireServiceToken)
		control.Post("/v1/debates/{debate_id}/start", s.startDebate)
		control.Post("/v1/debates/{debate_id}/pause", s.pauseDebate)
		control.Post("/v1/debates/{debate_id}/resume", s.resumeDebate)
		control.Post("/v1/debates/{debate_id}/end", s.endDebate)
	})
	return r
}

func (s *Server) createDebate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic       string        `json:"topic"`
		TotalTurns  int           `json:"total_turns"`
		Format      models.Format `json:"format"`
		CustomRules []string      `json:"custom_rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	debate := models.Debate{
		ID:          uuid.NewString(),
		Topic:       strings.TrimSpace(req.Topic),
		TotalTurns:  req.TotalTurns,
		Format:      req.Format,
		CustomRules: req.CustomRules,
		CreatedAt:   time.Now().UTC(),
	}
	if err := models.ValidateDebate(debate); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if err := s.Debates.Store(r.Context(), debate.ID, debate); err != nil {
		internalServerError(w, "create", err)
		return
	}
	if s.Redis != nil {
		if err := s.Redis.SAdd(r.Context(), debateIndexKey, debate.ID).Err(); err != nil {
			log.Printf("arenad index add %s: %v", debate.ID, err)
		}
	}
	s.Metrics.IncDebateStatus(models.StatusNotStarted)
	httpx.WriteJSON(w, 201, debate)
}

func (s *Server) getDebate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "debate_id")
	debate, err := s.Debates.Get(r.Context(), id)
	if err != nil {
		internalServerError(w, "get", err)
		return
	}
	if debate == nil {
		httpx.Error(w, 404, "debate not found")
		return
	}
	state, err := s.Engine.State(r.Context(), id)
	if err != nil {
		internalServerError(w, "get", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"debate": debate, "state": state})
}

func (s *Server) startDebate(w http.ResponseWriter, r *http.Request) {
	state, err := s.Engine.Start(r.Context(), chi.URLParam(r, "debate_id"))
	s.writeEngineResult(w, "start", state, err)
}

func (s *Server) pauseDebate(w http.ResponseWriter, r *http.Request) {
	state, err := s.Engine.Pause(r.Context(), chi.URLParam(r, "debate_id"))
	s.writeEngineResult(w, "pause", state, err)
}

func (s *Server) resumeDebate(w http.ResponseWriter, r *http.Request) {
	state, err := s.Engine.Resume(r.Context(), chi.URLParam(r, "debate_id"))
	s.writeEngineResult(w, "resume", state, err)
}

func (s *Server) endDebate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Error(w, 400, "invalid json")
			return
		}
	}
	state, err := s.Engine.EndEarly(r.Context(), chi.URLParam(r, "debate_id"), req.Reason)
	s.writeEngineResult(w, "end", state, err)
}

func (s *Server) writeEngineResult(w http.ResponseWriter, op string, state *models.EngineState, err error) {
	switch {
	case err == nil:
		if state != nil {
			s.Metrics.IncDebateStatus(state.Status)
		}
		httpx.WriteJSON(w, 200, state)
	case errors.Is(err, engine.ErrDebateNotFound):
		httpx.Error(w, 404, "debate not found")
	case errors.Is(err, engine.ErrAlreadyStarted),
		errors.Is(err, engine.ErrNotInProgress),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, models.ErrInvalidStatusTransition):
		httpx.Error(w, 409, err.Error())
	default:
		internalServerError(w, op, err)
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "debate_id")
	q := r.URL.Query()

	var (
		entries []eventlog.Entry
		hasMore bool
		err     error
	)
	switch {
	case q.Get("after_seq") != "":
		afterSeq, parseErr := strconv.ParseInt(q.Get("after_seq"), 10, 64)
		if parseErr != nil || afterSeq < 0 {
			httpx.Error(w, 400, "after_seq must be a non-negative integer")
			return
		}
		limit := envClampLimit(q.Get("limit"))
		entries, hasMore, err = s.Log.ReadAfterSeq(ctx, id, afterSeq, limit)
	case q.Get("since") != "":
		entries, err = s.Log.ReadSince(ctx, id, q.Get("since"))
	case q.Get("after") != "":
		entries, err = s.Log.ReadAfterTimestamp(ctx, id, q.Get("after"))
	default:
		entries, err = s.Log.ReadAll(ctx, id)
	}
	if err != nil {
		internalServerError(w, "events", err)
		return
	}

	lastID := ""
	if len(entries) > 0 {
		lastID = entries[len(entries)-1].ID
	}
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"events":      entries,
		"last_id":     lastID,
		"current_seq": s.Seq.Current(ctx, id),
		"has_more":    hasMore,
	})
}

func envClampLimit(raw string) int {
	limit := eventlog.DefaultPageLimit
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > eventlog.MaxPageLimit {
		limit = eventlog.MaxPageLimit
	}
	return limit
}

func (s *Server) streamDebate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "debate_id")
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := make(chan events.Event, 64)
	unsubscribe := s.Bus.Subscribe(id, func(evt events.Event) {
		select {
		case sub <- evt:
		default:
		}
	})
	defer unsubscribe()

	_ = wsjson.Write(ctx, conn, map[string]string{"type": "ready", "debate_id": id})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt := <-sub:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// drainLoop copies newly appended durable events into the archive table on a
// fixed cadence. Per-debate failures are logged and retried next tick.
func (s *Server) drainLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := s.Redis.SMembers(ctx, debateIndexKey).Result()
			if err != nil {
				log.Printf("arenad drain index: %v", err)
				continue
			}
			s.Archive.DrainAll(ctx, s.Log, ids)
		}
	}
}

func (s *Server) cleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Bus.Cleanup(s.DebateTTL)
		}
	}
}

// requireServiceToken guards the control surface. With no token configured
// the deployment is open, which hardening forbids in production-like envs.
func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ServiceAuthToken == "" || s.serviceTokenValid(r) {
			next.ServeHTTP(w, r)
			return
		}
		httpx.Error(w, 401, "unauthenticated")
	})
}

func (s *Server) serviceTokenValid(r *http.Request) bool {
	if s.ServiceAuthHeader == "" || s.ServiceAuthToken == "" {
		return false
	}
	token := r.Header.Get(s.ServiceAuthHeader)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.ServiceAuthToken)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the hijacker underneath, which
// the websocket upgrade needs.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("arenad %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
