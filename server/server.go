package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phaabe/live.moafunk.de/cache"
	"github.com/phaabe/live.moafunk.de/config"
	"github.com/phaabe/live.moafunk.de/core/audio"
	"github.com/phaabe/live.moafunk.de/core/auth"
	"github.com/phaabe/live.moafunk.de/core/finalize"
	"github.com/phaabe/live.moafunk.de/core/recording"
	"github.com/phaabe/live.moafunk.de/core/stream"
	"github.com/phaabe/live.moafunk.de/db"
	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/model"
	"github.com/phaabe/live.moafunk.de/repository"
	"github.com/phaabe/live.moafunk.de/storage"

	"github.com/gorilla/mux"
)

// Start initializes the dependencies and runs the HTTP server until a
// shutdown signal arrives.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	store, err := storage.New(cfg)
	if err != nil {
		logger.Fatal("failed to initialize object storage", logger.ErrorField(err))
	}

	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("failed to connect to database", logger.ErrorField(err))
	}
	defer db.CloseGormDB()

	if err := db.AutoMigrateModels(&model.RecordingVersion{}, &model.Show{}); err != nil {
		logger.Fatal("failed to migrate models", logger.ErrorField(err))
	}

	if err := db.ConnectRedis(cfg); err != nil {
		logger.Fatal("failed to connect to Redis", logger.ErrorField(err))
	}
	defer db.CloseRedis()

	ensureDirExists(cfg.RecordingTempDir)
	ensureDirExists(cfg.FinalizeTempDir)

	bridge := stream.NewBridge(cfg)
	recorder := recording.NewManager(cfg.RecordingTempDir)
	recRepo := repository.NewGormRecordingRepository(db.GormDB)
	showRepo := repository.NewGormShowRepository(db.GormDB)
	prober := audio.NewProber(cfg.FFprobePath)
	mixer := finalize.NewMixer(cfg)
	orchestrator := finalize.NewOrchestrator(store, recRepo, prober, mixer, cfg.FinalizeTempDir)
	liveCache := cache.NewLiveStatusCache(db.RedisClient)

	h := NewAPIHandler(cfg, bridge, recorder, orchestrator, store, recRepo, showRepo, liveCache)

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	admin := func(next http.HandlerFunc) http.HandlerFunc {
		return auth.AdminOnly(cfg.SessionSecret, next)
	}

	// Auth
	router.HandleFunc("/api/auth/login", h.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/logout", h.LogoutHandler).Methods(http.MethodPost)

	// Live broadcast
	router.HandleFunc("/ws/stream", h.StreamWebSocketHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/stream/status", h.StreamStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/stream/stop", admin(h.StopStreamHandler)).Methods(http.MethodPost)

	// Recording control
	router.HandleFunc("/api/recording/start", admin(h.StartRecordingHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/recording/stop", admin(h.StopRecordingHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/recording/marker", admin(h.AddMarkerHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/recording/status", admin(h.RecordingStatusHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/shows/{id}/recordings", admin(h.ListRecordingVersionsHandler)).Methods(http.MethodGet)

	// Finalize
	router.HandleFunc("/ws/finalize", h.FinalizeWebSocketHandler).Methods(http.MethodGet)

	// Public liveness
	router.HandleFunc("/api/live/status", h.LiveStatusHandler).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", logger.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("shutting down server")

	// An active broadcast or recording must not leave orphan processes or
	// unflushed files behind.
	if err := bridge.Stop(); err != nil {
		logger.Warn("failed to stop bridge during shutdown", logger.ErrorField(err))
	}
	if session, err := recorder.Stop(); err != nil {
		logger.Warn("failed to stop recording during shutdown", logger.ErrorField(err))
	} else if session != nil {
		logger.Warn("recording session was active at shutdown; temp file kept",
			logger.String("temp_file", session.TempFilePath))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", logger.ErrorField(err))
	}

	logger.Info("server stopped")
}

// corsMiddleware mirrors the permissive CORS policy the admin UI relies on.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func ensureDirExists(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info("creating directory", logger.String("path", path))
		if err := os.MkdirAll(path, 0755); err != nil {
			logger.Fatal("failed to create directory", logger.String("path", path), logger.ErrorField(err))
		}
	} else if err != nil {
		logger.Fatal("failed to check directory", logger.String("path", path), logger.ErrorField(err))
	}
}
