package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pressly/goose/v3"

	"puzzleboard-server/internal/event"
	"puzzleboard-server/internal/game"
	"puzzleboard-server/internal/push"
	"puzzleboard-server/internal/survey"
)

type Server struct {
	port        int
	avatarMaxID int

	pool     *pgxpool.Pool
	store    *survey.Store
	sessions *SessionManager
	bus      *event.Bus
	hub      *push.Hub
	rooms    *game.RoomManager
	engine   *game.Engine
	sweeper  *game.PresenceSweeper
}

func NewServer() *http.Server {
	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 8080
	}

	avatarMaxID, _ := strconv.Atoi(os.Getenv("AVATAR_MAX_ID"))
	if avatarMaxID == 0 {
		avatarMaxID = 6
	}

	// The database serves user profiles and survey scores only. Without one
	// the server still runs; scores then come from the session request.
	var pool *pgxpool.Pool
	var store *survey.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		var err error
		pool, err = pgxpool.New(context.Background(), dsn)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := runMigrations(pool); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		store = survey.NewStore(pool)
	} else {
		log.Println("DATABASE_URL not set, running without the survey store")
	}

	bus := event.NewBus()
	hub := push.NewHub(bus)
	rooms := game.NewRoomManager(hub, bus)
	engine := game.NewEngine(rooms, hub, bus)
	sweeper := game.NewPresenceSweeper(rooms)

	srv := &Server{
		port:        port,
		avatarMaxID: avatarMaxID,
		pool:        pool,
		store:       store,
		sessions:    NewSessionManager(),
		bus:         bus,
		hub:         hub,
		rooms:       rooms,
		engine:      engine,
		sweeper:     sweeper,
	}

	srv.sweeper.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.port),
		Handler:      srv.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Push channels outlive individual requests, so their teardown and the
	// sweeper's belong to server shutdown, not a request context.
	server.RegisterOnShutdown(func() {
		srv.sweeper.Stop()
		if srv.pool != nil {
			srv.pool.Close()
		}
	})

	return server
}

// runMigrations applies database migrations using goose.
func runMigrations(pool *pgxpool.Pool) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.Up(db, "./db/migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Println("Database migrations applied successfully")
	return nil
}
