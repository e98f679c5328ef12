package main

import (
	"fmt"
	"log"
	"os"

	"github.com/xutingl/skyplane/api"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/scheduler"
	"github.com/xutingl/skyplane/pkg/service"
	"github.com/xutingl/skyplane/pkg/state"
	"github.com/xutingl/skyplane/pkg/topology"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	profilePath := os.Getenv("TOPOLOGY_PROFILE")
	if profilePath == "" {
		log.Fatal("TOPOLOGY_PROFILE environment variable is required")
	}
	graph, err := topology.LoadProfile(profilePath)
	if err != nil {
		log.Fatal("Failed to load topology profile:", err)
	}

	// Job state survives restarts when a database is configured.
	var stateMgr state.StateManager
	if connStr := os.Getenv("DB_CONNECTION_STRING"); connStr != "" {
		dbDriver := os.Getenv("DB_DRIVER")
		if dbDriver == "" {
			dbDriver = "postgres"
		}
		fmt.Printf("Using %s database for job state...\n", dbDriver)
		stateMgr, err = state.NewDBStateManager(dbDriver, connStr)
		if err != nil {
			log.Fatal("Failed to initialize database state manager:", err)
		}
	} else {
		fmt.Println("No DB_CONNECTION_STRING set, job state is in-memory only")
		stateMgr = state.NewMemoryStateManager()
	}

	// Remote gateways connect over /ws/gateway; in-process gateways use the
	// loopback. The bridge lets the service address both through one bus.
	bus := control.NewLoopback()
	hub := control.NewHub()
	svc := service.New(graph, control.NewBridge(bus, hub),
		&service.LocalProvisioner{Bus: bus},
		&service.CloudStoreResolver{},
		stateMgr, service.Config{})
	if err := svc.RecoverInterrupted(); err != nil {
		log.Fatal("Failed to recover persisted job state:", err)
	}

	sched := scheduler.NewScheduler(svc)
	sched.Start()
	defer sched.Stop()
	server := api.NewServer(svc, sched, hub)
	router := server.SetupRouter()

	fmt.Printf("Starting transfer planner API server on port %s...\n", port)
	fmt.Printf("Health Check: http://localhost:%s/health\n", port)

	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
