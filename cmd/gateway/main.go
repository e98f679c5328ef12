package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/xutingl/skyplane/pkg/config"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/gateway"
	"github.com/xutingl/skyplane/pkg/models"
	"github.com/xutingl/skyplane/pkg/obstore"
)

// A standalone gateway serves direct source-to-destination segments. Relay
// hops between gateways run in-process on the control plane; see
// service.LocalProvisioner.
func main() {
	gatewayID := os.Getenv("GATEWAY_ID")
	region := os.Getenv("GATEWAY_REGION")
	serverURL := os.Getenv("CONTROL_URL") // e.g. ws://planner:8000/ws/gateway
	if gatewayID == "" || region == "" || serverURL == "" {
		log.Fatal("GATEWAY_ID, GATEWAY_REGION and CONTROL_URL environment variables are required")
	}

	workers := 8
	if w := os.Getenv("GATEWAY_WORKERS"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n <= 0 {
			log.Fatalf("invalid GATEWAY_WORKERS %q", w)
		}
		workers = n
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := storeFromEnv(ctx, "SOURCE")
	if err != nil {
		log.Fatal("Failed to open source store:", err)
	}
	dst, err := storeFromEnv(ctx, "DEST")
	if err != nil {
		log.Fatal("Failed to open destination store:", err)
	}

	router := gateway.RouterFunc(func(seg control.Segment) (gateway.SegmentIO, error) {
		if seg.Index != 0 || seg.To == "" {
			return gateway.SegmentIO{}, fmt.Errorf("standalone gateway cannot serve relay segment %s[%d]", seg.Path, seg.Index)
		}
		return gateway.SegmentIO{
			Upstream:   &gateway.StoreUpstream{Store: src},
			Downstream: &gateway.StoreDownstream{Store: dst},
		}, nil
	})

	client := control.NewClient(gatewayID, serverURL)
	inst := gateway.NewInstance(gateway.Config{
		GatewayID: gatewayID,
		Region:    region,
		Workers:   workers,
	}, router, client.Emit)

	go client.Run(ctx)
	go inst.Run(ctx)
	go heartbeat(ctx, client, gatewayID)
	go commandLoop(ctx, client, inst, cancel)

	fmt.Printf("Gateway %s (%s) connected to %s with %d workers\n", gatewayID, region, serverURL, workers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("Shutting down gateway...")
	cancel()
}

func commandLoop(ctx context.Context, client *control.Client, inst *gateway.Instance, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Commands():
			if !ok {
				return
			}
			switch msg.Type {
			case control.MsgAssignChunk:
				if msg.Assign != nil {
					inst.Assign(msg.Assign.Chunk, msg.Assign.Segment)
				}
			case control.MsgCancel:
				log.Printf("job %s cancelled, aborting outstanding chunks", msg.JobID)
				inst.FailAll("job cancelled")
			}
		}
	}
}

func heartbeat(ctx context.Context, client *control.Client, gatewayID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.Emit(control.NewHeartbeat(gatewayID))
		}
	}
}

// storeFromEnv builds a bucket-scoped store from <prefix>_BUCKET and
// <prefix>_* credential variables.
func storeFromEnv(ctx context.Context, prefix string) (obstore.Store, error) {
	bucket := os.Getenv(prefix + "_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("%s_BUCKET is required", prefix)
	}
	creds := &models.Credentials{
		Provider:    os.Getenv(prefix + "_PROVIDER"),
		AccessKey:   os.Getenv(prefix + "_ACCESS_KEY"),
		SecretKey:   os.Getenv(prefix + "_SECRET_KEY"),
		Region:      os.Getenv(prefix + "_REGION"),
		EndpointURL: os.Getenv(prefix + "_ENDPOINT_URL"),
	}
	if creds.Provider == "gcp" {
		svc, err := config.NewGCSService(ctx, &models.Credentials{
			ServiceAccountJSON: os.Getenv(prefix + "_SERVICE_ACCOUNT_JSON"),
		})
		if err != nil {
			return nil, err
		}
		return obstore.NewGCSStore(svc, bucket), nil
	}
	client, err := config.NewS3Client(ctx, creds)
	if err != nil {
		return nil, err
	}
	return obstore.NewS3Store(client, bucket, 64<<20), nil
}
