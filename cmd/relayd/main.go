// relayd bridges the kafka push topic to websocket viewers. It is the
// horizontal fan-out tier: arenad publishes each durable event once, keyed by
// debate channel, and any number of relays serve viewers from their local hub.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/hardening"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/httpx"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/metrics"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/push"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/stream"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type Server struct {
	Hub     *stream.Hub
	Metrics *metrics.Registry
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openConsumerFn  func() (push.Consumer, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runRelay(initTelemetryFn, openConsumerFn, listenFn); err != nil {
		logFatalf("relayd: %v", err)
	}
}

func runRelay(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openConsumer func() (push.Consumer, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openConsumer == nil {
		openConsumer = func() (push.Consumer, error) {
			return push.NewKafkaConsumer(push.KafkaConfig{
				Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
				Topic:   env("KAFKA_TOPIC", "debatelab.push.events"),
				GroupID: env("KAFKA_GROUP_ID", "debatelab-relay"),
			})
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "relayd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "relayd",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", "true"),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	consumer, err := openConsumer()
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	s := &Server{
		Hub:     stream.NewHub(),
		Metrics: metrics.NewRegistry(),
	}
	go s.consume(context.Background(), consumer)

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("relayd"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "relayd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/debates/{debate_id}/stream", s.streamDebate)

	addr := env("ADDR", ":8081")
	log.Printf("relayd listening on %s", addr)
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

// consume pumps kafka messages into the hub until the context ends. Decode
// failures are counted and skipped; the topic may outlive schema mistakes.
func (s *Server) consume(ctx context.Context, consumer push.Consumer) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("relayd consume: %v", err)
			s.Metrics.IncPushFailure()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		evt, err := events.Unmarshal(msg.Value)
		if err != nil {
			log.Printf("relayd decode %s: %v", msg.Channel, err)
			s.Metrics.IncPushFailure()
			continue
		}
		s.Hub.Publish(msg.Channel, evt)
		s.Metrics.IncEvent(string(evt.Type))
		s.Metrics.SetGauge("subscribers:"+msg.Channel, float64(s.Hub.Subscribers(msg.Channel)))
	}
}

func (s *Server) streamDebate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "debate_id")
	channel := push.ChannelForDebate(id)
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

	sub := s.Hub.Subscribe(channel, 64)
	defer s.Hub.Unsubscribe(channel, sub)

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
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
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
