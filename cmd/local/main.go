// Single-process mode: API server and task processor share a sqlite database,
// a filesystem object store, and an in-memory queue.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nextclade-backend/cmd"
	"nextclade-backend/internal/api"
	"nextclade-backend/internal/database"
	"nextclade-backend/internal/messaging"
	"nextclade-backend/internal/nextclade"
	"nextclade-backend/internal/pipeline"
	"nextclade-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

type Config struct {
	Root            string `env:"ROOT" envDefault:"./nextclade-backend"`
	Port            int    `env:"PORT" envDefault:"3001"`
	NextcladeBinary string `env:"NEXTCLADE_BINARY" envDefault:"nextclade"`
	DatasetIndexURL string `env:"DATASET_INDEX_URL"`

	cmd.BucketConfig
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "nextclade-backend.db")

	db, err := database.NewDatabase(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return db
}

// createQueue re-enqueues tasks that were still queued when the previous
// process exited, since the in-memory queue does not survive restarts.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	var fetchTasks []database.DatasetFetchTask
	if err := db.Where("status = ?", database.JobQueued).Find(&fetchTasks).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}
	for _, task := range fetchTasks {
		if err := queue.PublishDatasetFetchTask(context.Background(), messaging.DatasetFetchPayload{
			RunId: task.RunId,
		}); err != nil {
			log.Fatalf("Failed to publish dataset fetch task: %v", err)
		}
	}

	var prepareTasks []database.PrepareInputsTask
	if err := db.Where("status = ?", database.JobQueued).Find(&prepareTasks).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}
	for _, task := range prepareTasks {
		// A queued prepare task only runs after its fetch task completes, so
		// skip it here when the fetch re-enqueue already covers it.
		var fetchTask database.DatasetFetchTask
		if err := db.First(&fetchTask, "run_id = ?", task.RunId).Error; err == nil && fetchTask.Status != database.JobCompleted {
			continue
		}
		if err := queue.PublishPrepareInputsTask(context.Background(), messaging.PrepareInputsPayload{
			RunId: task.RunId,
		}); err != nil {
			log.Fatalf("Failed to publish prepare inputs task: %v", err)
		}
	}

	var analysisTasks []database.AnalysisTask
	if err := db.Where("status = ?", database.JobQueued).Find(&analysisTasks).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}
	for _, task := range analysisTasks {
		if err := queue.PublishAnalysisTask(context.Background(), messaging.AnalysisTaskPayload{
			RunId:  task.RunId,
			TaskId: task.TaskId,
		}); err != nil {
			log.Fatalf("Failed to publish analysis task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, cfg Config) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, store, queue, nextclade.NewIndexClient(cfg.DatasetIndexURL), cfg.UploadBucket, cfg.ResultBucket)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "binary", cfg.NextcladeBinary)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	if err := cfg.EnsureBuckets(context.Background(), store); err != nil {
		log.Fatalf("Failed to create buckets: %v", err)
	}

	queue := createQueue(db)

	runner := nextclade.NewRunner(cfg.NextcladeBinary)

	worker := pipeline.NewTaskProcessor(db, store, queue, queue, runner, filepath.Join(cfg.Root, "work"), cfg.UploadBucket, cfg.DatasetBucket, cfg.ResultBucket)

	server := createServer(db, store, queue, cfg)

	slog.Info("starting worker")
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
