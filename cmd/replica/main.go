// Command replica is the minimal backend server the balancer spawns per replica.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	id := flag.String("id", os.Getenv("SERVER_ID"), "replica id")
	listen := flag.String("listen", ":5001", "HTTP listen address")
	grpcAddr := flag.String("grpc", "", "gRPC health listen address (empty disables)")
	flag.Parse()

	if *id == "" {
		log.Fatal("[replica] --id or SERVER_ID is required")
	}

	srv := &http.Server{Addr: *listen, Handler: newHandler(*id)}

	var gs *grpc.Server
	if *grpcAddr != "" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			log.Fatalf("[replica] Failed to listen on %s: %v", *grpcAddr, err)
		}
		gs = grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(gs, hs)
		go func() {
			if err := gs.Serve(lis); err != nil {
				log.Printf("[replica] gRPC server stopped: %v", err)
			}
		}()
		log.Printf("[replica] Server %s serving gRPC health on %s", *id, *grpcAddr)
	}

	go func() {
		log.Printf("[replica] Server %s listening on %s", *id, *listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[replica] HTTP server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if gs != nil {
		gs.GracefulStop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[replica] Shutdown: %v", err)
	}
}

func newHandler(id string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /home", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"message": "Hello from Server: " + id,
			"status":  "successful",
		})
	})
	mux.HandleFunc("GET /heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
